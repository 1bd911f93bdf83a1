package models

import "time"

// ConnectionState tracks where a connection sits in the token refresh lifecycle.
type ConnectionState string

const (
	StateValid          ConnectionState = "valid"
	StateRefreshPending ConnectionState = "refresh_pending"
	StateRefreshFailed  ConnectionState = "refresh_failed"
	StateNeedsReconnect ConnectionState = "needs_reconnect"
)

// NotificationType is the canonical alert type vocabulary.
type NotificationType string

const (
	NotificationMention       NotificationType = "mention"
	NotificationLike          NotificationType = "like"
	NotificationComment       NotificationType = "comment"
	NotificationFollow        NotificationType = "follow"
	NotificationRepost        NotificationType = "repost"
	NotificationDirectMessage NotificationType = "direct_message"
)

// PlatformConnection links one user to one external platform account.
// Token columns hold ciphertext; only the vault reads or writes them.
// At most one active row exists per (user, platform) pair.
type PlatformConnection struct {
	ID              string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID          string `gorm:"type:varchar(36);index:idx_conn_user" json:"user_id"`
	Platform        string `gorm:"type:varchar(32);index:idx_conn_platform" json:"platform"`
	RemoteAccountID string `gorm:"type:varchar(191)" json:"remote_account_id"`
	RemoteHandle    string `gorm:"type:varchar(191)" json:"remote_handle"`

	AccessToken    string     `gorm:"type:text" json:"-"`
	RefreshToken   string     `gorm:"type:text" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	State               ConnectionState `gorm:"type:varchar(24)" json:"state"`
	Active              bool            `gorm:"index:idx_conn_active" json:"active"`
	RefreshAttempts     int             `json:"-"`
	ReconnectRequiredAt *time.Time      `json:"reconnect_required_at,omitempty"`

	// Opaque platform-native pagination tokens, advanced only after a
	// successful fetch+ingest of the corresponding kind.
	FeedCursor         string `gorm:"type:text" json:"-"`
	NotificationCursor string `gorm:"type:text" json:"-"`

	ConnectedAt time.Time `json:"connected_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (PlatformConnection) TableName() string { return "platform_connections" }

// Post is the canonical representation of one piece of platform content.
// (user_id, platform, remote_id) is unique; re-fetching the same remote
// post updates the row in place.
type Post struct {
	ID       string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID   string `gorm:"type:varchar(36);index:idx_post_user;uniqueIndex:ux_post_user_platform_remote" json:"user_id"`
	Platform string `gorm:"type:varchar(32);uniqueIndex:ux_post_user_platform_remote" json:"platform"`
	RemoteID string `gorm:"type:varchar(191);uniqueIndex:ux_post_user_platform_remote" json:"remote_id"`

	Content         string `gorm:"type:text" json:"content"`
	MediaURLs       string `gorm:"type:text" json:"media_urls"` // JSON-encoded []string
	AuthorName      string `gorm:"type:varchar(191)" json:"author_name"`
	AuthorHandle    string `gorm:"type:varchar(191)" json:"author_handle"`
	AuthorAvatarURL string `gorm:"type:text" json:"author_avatar_url"`

	LikeCount   int `json:"like_count"`
	RepostCount int `json:"repost_count"`
	ReplyCount  int `json:"reply_count"`

	PublishedAt time.Time `gorm:"index:idx_post_published" json:"published_at"`

	// Untransformed platform payload, preserved verbatim.
	RawPayload string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Post) TableName() string { return "posts" }

// Notification is the canonical representation of one platform alert.
// (user_id, platform, remote_id) is unique; re-polling never duplicates.
// The read flag is owned by the API layer and survives upserts.
type Notification struct {
	ID       string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID   string `gorm:"type:varchar(36);index:idx_notif_user;uniqueIndex:ux_notif_user_platform_remote" json:"user_id"`
	Platform string `gorm:"type:varchar(32);uniqueIndex:ux_notif_user_platform_remote" json:"platform"`
	RemoteID string `gorm:"type:varchar(191);uniqueIndex:ux_notif_user_platform_remote" json:"remote_id"`

	Type NotificationType `gorm:"type:varchar(24)" json:"type"`
	Read bool             `gorm:"index:idx_notif_read" json:"read"`

	Content         string `gorm:"type:text" json:"content"`
	AuthorName      string `gorm:"type:varchar(191)" json:"author_name"`
	AuthorHandle    string `gorm:"type:varchar(191)" json:"author_handle"`
	AuthorAvatarURL string `gorm:"type:text" json:"author_avatar_url"`

	PublishedAt time.Time `gorm:"index:idx_notif_published" json:"published_at"`
	RawPayload  string    `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Notification) TableName() string { return "notifications" }
