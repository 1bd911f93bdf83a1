package platform

import (
	"context"
	"encoding/json"
	"time"
)

// Credentials is a decrypted token pair handed to an adapter for one call.
// It exists only in memory at the point of use and is never logged.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Token is the result of a refresh exchange.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the platform did not rotate it
	ExpiresAt    *time.Time
}

// ItemKind discriminates what a fetched item represents.
type ItemKind string

const (
	ItemPost         ItemKind = "post"
	ItemNotification ItemKind = "notification"
)

// RawItem is the envelope adapters return, tagged by platform. Adapters
// translate their wire format into these fields at the boundary; the
// verbatim payload rides along in Raw and is preserved by the store.
type RawItem struct {
	Platform string
	RemoteID string
	Kind     ItemKind

	// Type carries the platform-native notification type vocabulary;
	// empty for posts.
	Type string

	Content         string
	MediaURLs       []string
	AuthorName      string
	AuthorHandle    string
	AuthorAvatarURL string

	Likes   int
	Reposts int
	Replies int

	PublishedAt time.Time

	Raw json.RawMessage
}

// Adapter is the minimal identity every platform implementation carries.
// Capabilities are discovered by interface assertion; an adapter that does
// not implement one simply cannot perform that operation.
type Adapter interface {
	Platform() string
}

// FeedFetcher fetches new feed content since an opaque cursor.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, creds Credentials, cursor string) (items []RawItem, nextCursor string, err error)
}

// NotificationFetcher fetches new notifications since an opaque cursor.
type NotificationFetcher interface {
	FetchNotifications(ctx context.Context, creds Credentials, cursor string) (items []RawItem, nextCursor string, err error)
}

// Publisher posts content to the platform on the user's behalf.
type Publisher interface {
	Publish(ctx context.Context, creds Credentials, content string) (remoteID string, err error)
}

// TokenRefresher exchanges a refresh token for new credentials.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}
