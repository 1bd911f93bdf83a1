package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/store"
)

// Engine maps adapter items into canonical entities and writes them
// idempotently to the store of record. One malformed item never poisons a
// batch; it is skipped and recorded. All returned ids are durably
// committed before the call returns, so callers may safely trigger
// downstream propagation from them.
type Engine struct {
	posts         store.PostRepository
	notifications store.NotificationRepository
}

// Result summarizes one ingest batch.
type Result struct {
	Created int
	Updated int
	Skipped int

	// IDs of all committed rows; CreatedIDs of the newly created subset,
	// in input order.
	IDs        []string
	CreatedIDs []string

	Errors []ItemError
}

// ItemError records one skipped item.
type ItemError struct {
	RemoteID string
	Reason   string
}

// Maps platform-native notification vocabularies onto the canonical enum.
var notificationTypes = map[string]models.NotificationType{
	"mention":        models.NotificationMention,
	"reply":          models.NotificationComment,
	"comment":        models.NotificationComment,
	"favourite":      models.NotificationLike,
	"like":           models.NotificationLike,
	"follow":         models.NotificationFollow,
	"reblog":         models.NotificationRepost,
	"repost":         models.NotificationRepost,
	"direct_message": models.NotificationDirectMessage,
	"dm":             models.NotificationDirectMessage,
}

func NewEngine(posts store.PostRepository, notifications store.NotificationRepository) *Engine {
	return &Engine{posts: posts, notifications: notifications}
}

// IngestPosts normalizes and upserts a batch of feed items.
func (e *Engine) IngestPosts(ctx context.Context, userID, platformID string, items []platform.RawItem) (Result, error) {
	var res Result

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		post, err := e.normalizePost(userID, platformID, item)
		if err != nil {
			res.skip(item.RemoteID, err)
			continue
		}

		created, err := e.posts.Upsert(ctx, post)
		if err != nil {
			// A failed write aborts only this item; nothing downstream
			// may see its id.
			res.skip(item.RemoteID, fmt.Errorf("upsert: %w", err))
			continue
		}

		res.record(post.ID, created)
	}

	return res, nil
}

// IngestNotifications normalizes and upserts a batch of notification items.
func (e *Engine) IngestNotifications(ctx context.Context, userID, platformID string, items []platform.RawItem) (Result, error) {
	var res Result

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		notif, err := e.normalizeNotification(userID, platformID, item)
		if err != nil {
			res.skip(item.RemoteID, err)
			continue
		}

		created, err := e.notifications.Upsert(ctx, notif)
		if err != nil {
			res.skip(item.RemoteID, fmt.Errorf("upsert: %w", err))
			continue
		}

		res.record(notif.ID, created)
	}

	return res, nil
}

func (e *Engine) normalizePost(userID, platformID string, item platform.RawItem) (*models.Post, error) {
	if item.Kind != platform.ItemPost {
		return nil, fmt.Errorf("expected post item, got %q", item.Kind)
	}
	if item.RemoteID == "" {
		return nil, fmt.Errorf("missing remote id")
	}
	if item.PublishedAt.IsZero() {
		return nil, fmt.Errorf("missing published timestamp")
	}

	media := "[]"
	if len(item.MediaURLs) > 0 {
		encoded, err := json.Marshal(item.MediaURLs)
		if err != nil {
			return nil, fmt.Errorf("encoding media urls: %w", err)
		}
		media = string(encoded)
	}

	now := time.Now()
	return &models.Post{
		UserID:          userID,
		Platform:        platformID,
		RemoteID:        item.RemoteID,
		Content:         item.Content,
		MediaURLs:       media,
		AuthorName:      item.AuthorName,
		AuthorHandle:    item.AuthorHandle,
		AuthorAvatarURL: item.AuthorAvatarURL,
		LikeCount:       item.Likes,
		RepostCount:     item.Reposts,
		ReplyCount:      item.Replies,
		PublishedAt:     item.PublishedAt,
		RawPayload:      string(item.Raw),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (e *Engine) normalizeNotification(userID, platformID string, item platform.RawItem) (*models.Notification, error) {
	if item.Kind != platform.ItemNotification {
		return nil, fmt.Errorf("expected notification item, got %q", item.Kind)
	}
	if item.RemoteID == "" {
		return nil, fmt.Errorf("missing remote id")
	}
	if item.PublishedAt.IsZero() {
		return nil, fmt.Errorf("missing published timestamp")
	}

	notifType, ok := notificationTypes[item.Type]
	if !ok {
		return nil, fmt.Errorf("unknown notification type %q", item.Type)
	}

	now := time.Now()
	return &models.Notification{
		UserID:          userID,
		Platform:        platformID,
		RemoteID:        item.RemoteID,
		Type:            notifType,
		Content:         item.Content,
		AuthorName:      item.AuthorName,
		AuthorHandle:    item.AuthorHandle,
		AuthorAvatarURL: item.AuthorAvatarURL,
		PublishedAt:     item.PublishedAt,
		RawPayload:      string(item.Raw),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (r *Result) record(id string, created bool) {
	r.IDs = append(r.IDs, id)
	if created {
		r.Created++
		r.CreatedIDs = append(r.CreatedIDs, id)
	} else {
		r.Updated++
	}
}

func (r *Result) skip(remoteID string, err error) {
	r.Skipped++
	r.Errors = append(r.Errors, ItemError{RemoteID: remoteID, Reason: err.Error()})
	logrus.WithField("remote_id", remoteID).Warnf("Skipping item: %v", err)
}
