package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omnifeed/omnifeed/internal/models"
)

// Document is the denormalized search projection of a post. It is
// advisory: on any conflict the store of record wins and the document is
// regenerated from it.
type Document struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Platform     string    `json:"platform"`
	Content      string    `json:"content"`
	AuthorName   string    `json:"author_name"`
	AuthorHandle string    `json:"author_handle"`
	LikeCount    int       `json:"like_count"`
	RepostCount  int       `json:"repost_count"`
	PublishedAt  time.Time `json:"published_at"`
}

// FromPost builds the document for one post, keyed by the same id as the
// store of record so re-projection is idempotent.
func FromPost(post *models.Post) Document {
	return Document{
		ID:           post.ID,
		UserID:       post.UserID,
		Platform:     post.Platform,
		Content:      post.Content,
		AuthorName:   post.AuthorName,
		AuthorHandle: post.AuthorHandle,
		LikeCount:    post.LikeCount,
		RepostCount:  post.RepostCount,
		PublishedAt:  post.PublishedAt,
	}
}

func (d Document) marshal() ([]byte, error) { return json.Marshal(d) }

// Index is the contract for feeding the search engine. Internals of the
// engine itself are out of scope; anything implementing this can back it.
type Index interface {
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
	DeleteAll(ctx context.Context) error
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (Document, bool, error)
}
