package delivery

import (
	"context"

	"github.com/omnifeed/omnifeed/internal/models"
)

// Transport pushes a newly created notification to every currently
// connected client of one user. Addressing is by user id; the transport
// owns the user-to-connection membership. Best-effort, at-most-once per
// client, never retried: a user with no connected clients simply misses
// the push and reads the notification from the store later.
type Transport interface {
	Deliver(ctx context.Context, userID string, notification *models.Notification) error
}
