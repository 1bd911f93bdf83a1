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

// PostRepository owns Post rows. Writes go through Upsert only.
type PostRepository interface {
	// Upsert writes the post keyed by (user_id, platform, remote_id).
	// On conflict all mutable fields are overwritten (last-writer-wins)
	// and post.ID is set to the existing row's id. Returns whether a new
	// row was created.
	Upsert(ctx context.Context, post *models.Post) (created bool, err error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Post, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Post, error)
	// ListAfter pages through all posts by id for bulk reindexing.
	ListAfter(ctx context.Context, afterID string, limit int) ([]*models.Post, error)
	Count(ctx context.Context) (int64, error)
}

type postRepository struct {
	db *gorm.DB
}

func NewPostRepository(db *gorm.DB) PostRepository {
	return &postRepository{db: db}
}

// Mutable columns overwritten on conflict. CreatedAt and the identity
// columns stay untouched.
var postMutableColumns = []string{
	"content", "media_urls", "author_name", "author_handle", "author_avatar_url",
	"like_count", "repost_count", "reply_count", "published_at", "raw_payload",
	"updated_at",
}

func (r *postRepository) Upsert(ctx context.Context, post *models.Post) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Post
		err := tx.Select("id").
			Where("user_id = ? AND platform = ? AND remote_id = ?", post.UserID, post.Platform, post.RemoteID).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if post.ID == "" {
				post.ID = uuid.New().String()
			}
			created = true
			// OnConflict DoNothing backstops a racing insert; the unique
			// index keeps the table duplicate-free either way.
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(post).Error
		}
		if err != nil {
			return err
		}

		post.ID = existing.ID
		post.UpdatedAt = time.Now()
		return tx.Model(&models.Post{}).
			Where("id = ?", existing.ID).
			Select(postMutableColumns).
			Updates(post).Error
	})
	return created, err
}

func (r *postRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []*models.Post
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&posts).Error
	return posts, err
}

func (r *postRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("published_at DESC").
		Offset(offset).Limit(limit).
		Find(&posts).Error
	return posts, err
}

func (r *postRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&posts).Error
	return posts, err
}

func (r *postRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Post{}).Count(&n).Error
	return n, err
}
