package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/omnifeed/omnifeed/internal/models"
)

const channelPrefix = "notify:user:"

// RedisTransport publishes notifications on a per-user pub/sub channel.
// Client-facing gateways subscribe their live sessions to the owning
// user's channel; each connected session receives the push independently.
type RedisTransport struct {
	client *redis.Client
}

var _ Transport = (*RedisTransport)(nil)

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Channel returns the pub/sub channel name for a user.
func Channel(userID string) string { return channelPrefix + userID }

func (t *RedisTransport) Deliver(ctx context.Context, userID string, notification *models.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	// Zero subscribers is success: there is no connected client to push to.
	return t.client.Publish(ctx, Channel(userID), payload).Err()
}
