package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/models"
)

// ConnectionRepository owns PlatformConnection rows. Token columns are
// written through the vault only; everything else lives here.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *models.PlatformConnection) error
	Get(ctx context.Context, id string) (*models.PlatformConnection, error)
	ListActive(ctx context.Context) ([]*models.PlatformConnection, error)
	ListByUser(ctx context.Context, userID string) ([]*models.PlatformConnection, error)
	// ListExpiring returns active connections whose expiry falls inside the
	// lead window, excluding only needs_reconnect. A row stranded in
	// refresh_pending by a crash mid-refresh is picked up again here.
	ListExpiring(ctx context.Context, within time.Duration) ([]*models.PlatformConnection, error)
	MarkRefreshPending(ctx context.Context, id string) error
	MarkRefreshed(ctx context.Context, id string, expiresAt *time.Time) error
	MarkRefreshFailure(ctx context.Context, id string) (attempts int, err error)
	MarkNeedsReconnect(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	AdvanceFeedCursor(ctx context.Context, id, cursor string) error
	AdvanceNotificationCursor(ctx context.Context, id, cursor string) error
}

type connectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

// Create inserts a connection, deactivating any previous active row for
// the same (user, platform) pair in the same transaction so the
// one-active-per-pair invariant holds.
func (r *connectionRepository) Create(ctx context.Context, conn *models.PlatformConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.State == "" {
		conn.State = models.StateValid
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}
	conn.Active = true

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PlatformConnection{}).
			Where("user_id = ? AND platform = ? AND active = ?", conn.UserID, conn.Platform, true).
			Updates(map[string]interface{}{
				"active":        false,
				"access_token":  "",
				"refresh_token": "",
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Create(conn).Error
	})
}

func (r *connectionRepository) Get(ctx context.Context, id string) (*models.PlatformConnection, error) {
	var conn models.PlatformConnection
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepository) ListActive(ctx context.Context) ([]*models.PlatformConnection, error) {
	var conns []*models.PlatformConnection
	err := r.db.WithContext(ctx).Where("active = ?", true).Find(&conns).Error
	return conns, err
}

func (r *connectionRepository) ListByUser(ctx context.Context, userID string) ([]*models.PlatformConnection, error) {
	var conns []*models.PlatformConnection
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("connected_at DESC").
		Find(&conns).Error
	return conns, err
}

func (r *connectionRepository) ListExpiring(ctx context.Context, within time.Duration) ([]*models.PlatformConnection, error) {
	var conns []*models.PlatformConnection
	deadline := time.Now().Add(within)
	err := r.db.WithContext(ctx).
		Where("active = ? AND state IN ? AND token_expires_at IS NOT NULL AND token_expires_at <= ?",
			true, []models.ConnectionState{models.StateValid, models.StateRefreshPending, models.StateRefreshFailed}, deadline).
		Find(&conns).Error
	return conns, err
}

func (r *connectionRepository) MarkRefreshPending(ctx context.Context, id string) error {
	return r.setState(ctx, id, models.StateRefreshPending)
}

func (r *connectionRepository) MarkRefreshed(ctx context.Context, id string, expiresAt *time.Time) error {
	return r.update(ctx, id, map[string]interface{}{
		"state":            models.StateValid,
		"refresh_attempts": 0,
		"token_expires_at": expiresAt,
	})
}

// MarkRefreshFailure increments the consecutive-failure count and returns
// the new value so the caller can decide on the NeedsReconnect transition.
func (r *connectionRepository) MarkRefreshFailure(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn models.PlatformConnection
		if err := tx.Select("id", "refresh_attempts").Where("id = ?", id).First(&conn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		attempts = conn.RefreshAttempts + 1
		return tx.Model(&models.PlatformConnection{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"state":            models.StateRefreshFailed,
				"refresh_attempts": attempts,
				"updated_at":       time.Now(),
			}).Error
	})
	return attempts, err
}

func (r *connectionRepository) MarkNeedsReconnect(ctx context.Context, id string) error {
	now := time.Now()
	return r.update(ctx, id, map[string]interface{}{
		"state":                 models.StateNeedsReconnect,
		"active":                false,
		"reconnect_required_at": &now,
	})
}

func (r *connectionRepository) Deactivate(ctx context.Context, id string) error {
	return r.update(ctx, id, map[string]interface{}{"active": false})
}

func (r *connectionRepository) AdvanceFeedCursor(ctx context.Context, id, cursor string) error {
	return r.update(ctx, id, map[string]interface{}{"feed_cursor": cursor})
}

func (r *connectionRepository) AdvanceNotificationCursor(ctx context.Context, id, cursor string) error {
	return r.update(ctx, id, map[string]interface{}{"notification_cursor": cursor})
}

func (r *connectionRepository) setState(ctx context.Context, id string, state models.ConnectionState) error {
	return r.update(ctx, id, map[string]interface{}{"state": state})
}

func (r *connectionRepository) update(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.PlatformConnection{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
