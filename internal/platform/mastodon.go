package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// MastodonAdapter implements the full capability set against the Mastodon
// REST API: home timeline, notifications, publishing and token refresh.
type MastodonAdapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *resty.Client
}

var (
	_ FeedFetcher         = (*MastodonAdapter)(nil)
	_ NotificationFetcher = (*MastodonAdapter)(nil)
	_ Publisher           = (*MastodonAdapter)(nil)
	_ TokenRefresher      = (*MastodonAdapter)(nil)
)

type mastodonAccount struct {
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

type mastodonAttachment struct {
	URL string `json:"url"`
}

type mastodonStatus struct {
	ID               string               `json:"id"`
	Content          string               `json:"content"`
	CreatedAt        time.Time            `json:"created_at"`
	Account          mastodonAccount      `json:"account"`
	MediaAttachments []mastodonAttachment `json:"media_attachments"`
	FavouritesCount  int                  `json:"favourites_count"`
	ReblogsCount     int                  `json:"reblogs_count"`
	RepliesCount     int                  `json:"replies_count"`
}

type mastodonNotification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Account   mastodonAccount `json:"account"`
	Status    *mastodonStatus `json:"status"`
}

type mastodonTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// NewMastodonAdapter creates a Mastodon adapter for one instance
func NewMastodonAdapter(baseURL, clientID, clientSecret string, timeout time.Duration) *MastodonAdapter {
	return &MastodonAdapter{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

func (m *MastodonAdapter) Platform() string { return "mastodon" }

// FetchFeed returns home timeline statuses newer than the cursor. The
// cursor is the newest status id seen so far (Mastodon min_id paging).
func (m *MastodonAdapter) FetchFeed(ctx context.Context, creds Credentials, cursor string) ([]RawItem, string, error) {
	req := m.client.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetQueryParam("limit", "40")
	if cursor != "" {
		req.SetQueryParam("min_id", cursor)
	}

	resp, err := req.Get("/api/v1/timelines/home")
	if err != nil {
		return nil, "", Transient(m.Platform(), "fetch_feed", err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", classifyStatus(m.Platform(), "fetch_feed", resp.StatusCode(), resp.Body())
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raws); err != nil {
		return nil, "", Permanent(m.Platform(), "fetch_feed", fmt.Errorf("decoding timeline: %w", err))
	}

	items := make([]RawItem, 0, len(raws))
	for _, raw := range raws {
		var status mastodonStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			logrus.Warnf("Skipping undecodable mastodon status: %v", err)
			continue
		}
		items = append(items, m.statusToItem(status, raw))
	}

	// Ids are opaque strings; Mastodon returns newest first, so the first
	// item carries the next min_id cursor.
	next := cursor
	if len(items) > 0 {
		next = items[0].RemoteID
	}
	return items, next, nil
}

// FetchNotifications returns notifications newer than the cursor.
func (m *MastodonAdapter) FetchNotifications(ctx context.Context, creds Credentials, cursor string) ([]RawItem, string, error) {
	req := m.client.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetQueryParam("limit", "30")
	if cursor != "" {
		req.SetQueryParam("min_id", cursor)
	}

	resp, err := req.Get("/api/v1/notifications")
	if err != nil {
		return nil, "", Transient(m.Platform(), "fetch_notifications", err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", classifyStatus(m.Platform(), "fetch_notifications", resp.StatusCode(), resp.Body())
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raws); err != nil {
		return nil, "", Permanent(m.Platform(), "fetch_notifications", fmt.Errorf("decoding notifications: %w", err))
	}

	items := make([]RawItem, 0, len(raws))
	for _, raw := range raws {
		var notif mastodonNotification
		if err := json.Unmarshal(raw, &notif); err != nil {
			logrus.Warnf("Skipping undecodable mastodon notification: %v", err)
			continue
		}

		item := RawItem{
			Platform:        m.Platform(),
			RemoteID:        notif.ID,
			Kind:            ItemNotification,
			Type:            notif.Type,
			AuthorName:      notif.Account.DisplayName,
			AuthorHandle:    notif.Account.Acct,
			AuthorAvatarURL: notif.Account.Avatar,
			PublishedAt:     notif.CreatedAt,
			Raw:             raw,
		}
		if notif.Status != nil {
			item.Content = notif.Status.Content
		}
		items = append(items, item)
	}

	// Newest first, same as the timeline.
	next := cursor
	if len(items) > 0 {
		next = items[0].RemoteID
	}
	return items, next, nil
}

// Publish posts a new status on the user's behalf.
func (m *MastodonAdapter) Publish(ctx context.Context, creds Credentials, content string) (string, error) {
	resp, err := m.client.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetFormData(map[string]string{"status": content}).
		Post("/api/v1/statuses")
	if err != nil {
		return "", Transient(m.Platform(), "publish", err)
	}
	if resp.StatusCode() != 200 {
		return "", classifyStatus(m.Platform(), "publish", resp.StatusCode(), resp.Body())
	}

	var status mastodonStatus
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return "", Permanent(m.Platform(), "publish", fmt.Errorf("decoding status: %w", err))
	}
	return status.ID, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (m *MastodonAdapter) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	resp, err := m.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     m.clientID,
			"client_secret": m.clientSecret,
		}).
		Post("/oauth/token")
	if err != nil {
		return Token{}, Transient(m.Platform(), "refresh", err)
	}
	if resp.StatusCode() != 200 {
		return Token{}, classifyStatus(m.Platform(), "refresh", resp.StatusCode(), resp.Body())
	}

	var tr mastodonTokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return Token{}, Permanent(m.Platform(), "refresh", fmt.Errorf("decoding token response: %w", err))
	}

	token := Token{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tr.ExpiresIn > 0 {
		expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		token.ExpiresAt = &expiry
	}
	return token, nil
}

func (m *MastodonAdapter) statusToItem(status mastodonStatus, raw json.RawMessage) RawItem {
	media := make([]string, 0, len(status.MediaAttachments))
	for _, a := range status.MediaAttachments {
		media = append(media, a.URL)
	}

	return RawItem{
		Platform:        m.Platform(),
		RemoteID:        status.ID,
		Kind:            ItemPost,
		Content:         status.Content,
		MediaURLs:       media,
		AuthorName:      status.Account.DisplayName,
		AuthorHandle:    status.Account.Acct,
		AuthorAvatarURL: status.Account.Avatar,
		Likes:           status.FavouritesCount,
		Reposts:         status.ReblogsCount,
		Replies:         status.RepliesCount,
		PublishedAt:     status.CreatedAt,
		Raw:             raw,
	}
}
