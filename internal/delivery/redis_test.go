package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnifeed/omnifeed/internal/models"
)

func newTestTransport(t *testing.T) (*RedisTransport, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTransport(client), client
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "notify:user:u-42", Channel("u-42"))
}

func TestRedisTransport_DeliverReachesSubscriber(t *testing.T) {
	transport, client := newTestTransport(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, Channel("user-1"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	notif := &models.Notification{
		ID:          "n1",
		UserID:      "user-1",
		Platform:    "mastodon",
		RemoteID:    "r1",
		Type:        models.NotificationMention,
		Content:     "you were mentioned",
		PublishedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, transport.Deliver(ctx, "user-1", notif))

	select {
	case msg := <-sub.Channel():
		var got models.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "n1", got.ID)
		assert.Equal(t, models.NotificationMention, got.Type)
		assert.Equal(t, "you were mentioned", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received on user channel")
	}
}

func TestRedisTransport_DeliverIsScopedToUser(t *testing.T) {
	transport, client := newTestTransport(t)
	ctx := context.Background()

	other := client.Subscribe(ctx, Channel("user-2"))
	t.Cleanup(func() { other.Close() })
	_, err := other.Receive(ctx)
	require.NoError(t, err)

	notif := &models.Notification{ID: "n1", UserID: "user-1", Type: models.NotificationLike}
	require.NoError(t, transport.Deliver(ctx, "user-1", notif))

	select {
	case msg := <-other.Channel():
		t.Fatalf("notification leaked to another user's channel: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisTransport_DeliverWithoutSubscribers(t *testing.T) {
	transport, _ := newTestTransport(t)

	notif := &models.Notification{ID: "n1", UserID: "user-1", Type: models.NotificationFollow}
	assert.NoError(t, transport.Deliver(context.Background(), "user-1", notif))
}
