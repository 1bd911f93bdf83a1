package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnifeed/omnifeed/internal/models"
)

// NotificationRepository owns Notification rows. The read flag is mutated
// by the API layer, never by re-polling, so upserts leave it alone.
type NotificationRepository interface {
	Upsert(ctx context.Context, notif *models.Notification) (created bool, err error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Notification, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Notification, error)
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

var notificationMutableColumns = []string{
	"type", "content", "author_name", "author_handle", "author_avatar_url",
	"published_at", "raw_payload", "updated_at",
}

func (r *notificationRepository) Upsert(ctx context.Context, notif *models.Notification) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Notification
		err := tx.Select("id").
			Where("user_id = ? AND platform = ? AND remote_id = ?", notif.UserID, notif.Platform, notif.RemoteID).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if notif.ID == "" {
				notif.ID = uuid.New().String()
			}
			created = true
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(notif).Error
		}
		if err != nil {
			return err
		}

		notif.ID = existing.ID
		notif.UpdatedAt = time.Now()
		return tx.Model(&models.Notification{}).
			Where("id = ?", existing.ID).
			Select(notificationMutableColumns).
			Updates(notif).Error
	})
	return created, err
}

func (r *notificationRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var notifs []*models.Notification
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&notifs).Error
	return notifs, err
}

func (r *notificationRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Notification, error) {
	var notifs []*models.Notification
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("published_at DESC").
		Offset(offset).Limit(limit).
		Find(&notifs).Error
	return notifs, err
}
