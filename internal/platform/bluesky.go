package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// BlueskyAdapter implements feed, notification and refresh capabilities
// against the Bluesky XRPC API. It deliberately does not implement
// Publisher; the pipeline treats publishing through it as a permanent
// capability gap.
type BlueskyAdapter struct {
	client *resty.Client
}

var (
	_ FeedFetcher         = (*BlueskyAdapter)(nil)
	_ NotificationFetcher = (*BlueskyAdapter)(nil)
	_ TokenRefresher      = (*BlueskyAdapter)(nil)
)

type blueskyAuthor struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type blueskyPost struct {
	URI    string        `json:"uri"`
	Author blueskyAuthor `json:"author"`
	Record struct {
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"record"`
	LikeCount   int `json:"likeCount"`
	RepostCount int `json:"repostCount"`
	ReplyCount  int `json:"replyCount"`
}

type blueskyTimelineResponse struct {
	Cursor string `json:"cursor"`
	Feed   []struct {
		Post json.RawMessage `json:"post"`
	} `json:"feed"`
}

type blueskyNotification struct {
	URI       string        `json:"uri"`
	Reason    string        `json:"reason"`
	Author    blueskyAuthor `json:"author"`
	IndexedAt time.Time     `json:"indexedAt"`
	Record    struct {
		Text string `json:"text"`
	} `json:"record"`
}

type blueskyNotificationsResponse struct {
	Cursor        string            `json:"cursor"`
	Notifications []json.RawMessage `json:"notifications"`
}

type blueskySessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// NewBlueskyAdapter creates a Bluesky adapter
func NewBlueskyAdapter(baseURL string, timeout time.Duration) *BlueskyAdapter {
	return &BlueskyAdapter{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

func (b *BlueskyAdapter) Platform() string { return "bluesky" }

func (b *BlueskyAdapter) FetchFeed(ctx context.Context, creds Credentials, cursor string) ([]RawItem, string, error) {
	req := b.client.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetQueryParam("limit", "50")
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get("/xrpc/app.bsky.feed.getTimeline")
	if err != nil {
		return nil, "", Transient(b.Platform(), "fetch_feed", err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", classifyStatus(b.Platform(), "fetch_feed", resp.StatusCode(), resp.Body())
	}

	var timeline blueskyTimelineResponse
	if err := json.Unmarshal(resp.Body(), &timeline); err != nil {
		return nil, "", Permanent(b.Platform(), "fetch_feed", fmt.Errorf("decoding timeline: %w", err))
	}

	items := make([]RawItem, 0, len(timeline.Feed))
	for _, entry := range timeline.Feed {
		var post blueskyPost
		if err := json.Unmarshal(entry.Post, &post); err != nil {
			continue
		}

		items = append(items, RawItem{
			Platform:        b.Platform(),
			RemoteID:        post.URI,
			Kind:            ItemPost,
			Content:         post.Record.Text,
			AuthorName:      post.Author.DisplayName,
			AuthorHandle:    post.Author.Handle,
			AuthorAvatarURL: post.Author.Avatar,
			Likes:           post.LikeCount,
			Reposts:         post.RepostCount,
			Replies:         post.ReplyCount,
			PublishedAt:     post.Record.CreatedAt,
			Raw:             entry.Post,
		})
	}

	next := timeline.Cursor
	if next == "" {
		next = cursor
	}
	return items, next, nil
}

func (b *BlueskyAdapter) FetchNotifications(ctx context.Context, creds Credentials, cursor string) ([]RawItem, string, error) {
	req := b.client.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetQueryParam("limit", "50")
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get("/xrpc/app.bsky.notification.listNotifications")
	if err != nil {
		return nil, "", Transient(b.Platform(), "fetch_notifications", err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", classifyStatus(b.Platform(), "fetch_notifications", resp.StatusCode(), resp.Body())
	}

	var list blueskyNotificationsResponse
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return nil, "", Permanent(b.Platform(), "fetch_notifications", fmt.Errorf("decoding notifications: %w", err))
	}

	items := make([]RawItem, 0, len(list.Notifications))
	for _, raw := range list.Notifications {
		var notif blueskyNotification
		if err := json.Unmarshal(raw, &notif); err != nil {
			continue
		}

		items = append(items, RawItem{
			Platform:        b.Platform(),
			RemoteID:        notif.URI,
			Kind:            ItemNotification,
			Type:            notif.Reason,
			Content:         notif.Record.Text,
			AuthorName:      notif.Author.DisplayName,
			AuthorHandle:    notif.Author.Handle,
			AuthorAvatarURL: notif.Author.Avatar,
			PublishedAt:     notif.IndexedAt,
			Raw:             raw,
		})
	}

	next := list.Cursor
	if next == "" {
		next = cursor
	}
	return items, next, nil
}

// Refresh rotates the session using the refresh JWT. Bluesky always
// returns a new refresh token; sessions expire quickly, so a conservative
// expiry is reported when the server does not state one.
func (b *BlueskyAdapter) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetAuthToken(refreshToken).
		Post("/xrpc/com.atproto.server.refreshSession")
	if err != nil {
		return Token{}, Transient(b.Platform(), "refresh", err)
	}
	if resp.StatusCode() != 200 {
		return Token{}, classifyStatus(b.Platform(), "refresh", resp.StatusCode(), resp.Body())
	}

	var session blueskySessionResponse
	if err := json.Unmarshal(resp.Body(), &session); err != nil {
		return Token{}, Permanent(b.Platform(), "refresh", fmt.Errorf("decoding session: %w", err))
	}

	expiry := time.Now().Add(2 * time.Hour)
	return Token{
		AccessToken:  session.AccessJwt,
		RefreshToken: session.RefreshJwt,
		ExpiresAt:    &expiry,
	}, nil
}
