package store

import (
	"errors"

	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// AutoMigrate creates the pipeline tables. Production schemas are managed
// externally; this covers local runs and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.PlatformConnection{},
		&models.Post{},
		&models.Notification{},
	)
}
