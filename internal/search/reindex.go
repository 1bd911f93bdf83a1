package search

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnifeed/omnifeed/internal/store"
)

// Reindexer rebuilds the whole index from the store of record when drift
// is detected. The index is cleared and documents re-streamed in bounded
// batches; readers treating the index as advisory see no authoritative
// intermediate state.
type Reindexer struct {
	posts     store.PostRepository
	index     Index
	batchSize int
}

func NewReindexer(posts store.PostRepository, index Index, batchSize int) *Reindexer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reindexer{posts: posts, index: index, batchSize: batchSize}
}

// Reindex streams every post into the index. Returns the document count.
func (r *Reindexer) Reindex(ctx context.Context) (int, error) {
	start := time.Now()

	if err := r.index.DeleteAll(ctx); err != nil {
		return 0, err
	}

	total := 0
	afterID := ""
	for {
		posts, err := r.posts.ListAfter(ctx, afterID, r.batchSize)
		if err != nil {
			return total, err
		}
		if len(posts) == 0 {
			break
		}

		docs := make([]Document, 0, len(posts))
		for _, post := range posts {
			docs = append(docs, FromPost(post))
		}
		if err := r.index.Upsert(ctx, docs); err != nil {
			return total, err
		}

		total += len(posts)
		afterID = posts[len(posts)-1].ID
	}

	logrus.Infof("Reindex completed: %d documents in %v", total, time.Since(start))
	return total, nil
}
