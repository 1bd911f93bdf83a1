package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	docKeyPrefix = "search:post:"
	memberSetKey = "search:posts"
)

// RedisIndex stores documents as JSON values plus a membership set so the
// whole index can be listed and rebuilt.
type RedisIndex struct {
	client *redis.Client
}

var _ Index = (*RedisIndex)(nil)

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (i *RedisIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	pipe := i.client.TxPipeline()
	for _, doc := range docs {
		payload, err := doc.marshal()
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", doc.ID, err)
		}
		pipe.Set(ctx, docKeyPrefix+doc.ID, payload, 0)
		pipe.SAdd(ctx, memberSetKey, doc.ID)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (i *RedisIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pipe := i.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, docKeyPrefix+id)
		pipe.SRem(ctx, memberSetKey, id)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (i *RedisIndex) DeleteAll(ctx context.Context) error {
	ids, err := i.client.SMembers(ctx, memberSetKey).Result()
	if err != nil {
		return err
	}

	pipe := i.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, docKeyPrefix+id)
	}
	pipe.Del(ctx, memberSetKey)

	_, err = pipe.Exec(ctx)
	return err
}

func (i *RedisIndex) List(ctx context.Context) ([]string, error) {
	return i.client.SMembers(ctx, memberSetKey).Result()
}

func (i *RedisIndex) Get(ctx context.Context, id string) (Document, bool, error) {
	payload, err := i.client.Get(ctx, docKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, false, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return doc, true, nil
}
