package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/alerting"
	"github.com/omnifeed/omnifeed/internal/config"
	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/search"
	"github.com/omnifeed/omnifeed/internal/store"
	"github.com/omnifeed/omnifeed/internal/vault"
)

const testVaultKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newTestConfig() *config.Config {
	return &config.Config{
		RefreshScanInterval: time.Minute,
		RefreshLeadWindow:   5 * time.Minute,
		RefreshMaxAttempts:  3,
		RefreshConcurrency:  2,
		PollInterval:        time.Minute,
		WorkerPoolSize:      2,
		AdapterTimeout:      2 * time.Second,
		MaxFetchRetries:     1,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		PlatformRateLimits:  map[string]float64{},
		RateBurst:           1,
	}
}

type testEnv struct {
	cfg      *config.Config
	conns    store.ConnectionRepository
	posts    store.PostRepository
	notifs   store.NotificationRepository
	vault    vault.Vault
	registry *platform.Registry
	metrics  *Metrics
	alerts   *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// An in-memory sqlite database lives on its connection; pin the pool
	// so every worker goroutine sees the same one.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))

	v, err := vault.New(db, testVaultKey)
	require.NoError(t, err)

	return &testEnv{
		cfg:      newTestConfig(),
		conns:    store.NewConnectionRepository(db),
		posts:    store.NewPostRepository(db),
		notifs:   store.NewNotificationRepository(db),
		vault:    v,
		registry: platform.NewRegistry(),
		metrics:  NewMetrics(),
		alerts:   &recordingNotifier{},
	}
}

// seedConnection creates an active connection with stored credentials.
func (e *testEnv) seedConnection(t *testing.T, platformID string, expiresAt *time.Time) *models.PlatformConnection {
	t.Helper()
	conn := &models.PlatformConnection{UserID: "user-1", Platform: platformID}
	require.NoError(t, e.conns.Create(context.Background(), conn))
	require.NoError(t, e.vault.Rotate(context.Background(), conn.ID, platform.Token{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    expiresAt,
	}))
	return conn
}

// fakeAdapter implements every capability; nil funcs succeed with no items.
type fakeAdapter struct {
	name string

	feedFn    func(creds platform.Credentials, cursor string) ([]platform.RawItem, string, error)
	notifFn   func(creds platform.Credentials, cursor string) ([]platform.RawItem, string, error)
	refreshFn func(refreshToken string) (platform.Token, error)

	feedCalls    atomic.Int32
	notifCalls   atomic.Int32
	refreshCalls atomic.Int32
}

var (
	_ platform.FeedFetcher         = (*fakeAdapter)(nil)
	_ platform.NotificationFetcher = (*fakeAdapter)(nil)
	_ platform.TokenRefresher      = (*fakeAdapter)(nil)
)

func (a *fakeAdapter) Platform() string { return a.name }

func (a *fakeAdapter) FetchFeed(_ context.Context, creds platform.Credentials, cursor string) ([]platform.RawItem, string, error) {
	a.feedCalls.Add(1)
	if a.feedFn == nil {
		return nil, "", nil
	}
	return a.feedFn(creds, cursor)
}

func (a *fakeAdapter) FetchNotifications(_ context.Context, creds platform.Credentials, cursor string) ([]platform.RawItem, string, error) {
	a.notifCalls.Add(1)
	if a.notifFn == nil {
		return nil, "", nil
	}
	return a.notifFn(creds, cursor)
}

func (a *fakeAdapter) Refresh(_ context.Context, refreshToken string) (platform.Token, error) {
	a.refreshCalls.Add(1)
	if a.refreshFn == nil {
		return platform.Token{}, nil
	}
	return a.refreshFn(refreshToken)
}

// feedOnlyAdapter fetches feeds but has no other capability.
type feedOnlyAdapter struct {
	name   string
	feedFn func(creds platform.Credentials, cursor string) ([]platform.RawItem, string, error)
}

var _ platform.FeedFetcher = (*feedOnlyAdapter)(nil)

func (a *feedOnlyAdapter) Platform() string { return a.name }

func (a *feedOnlyAdapter) FetchFeed(_ context.Context, creds platform.Credentials, cursor string) ([]platform.RawItem, string, error) {
	if a.feedFn == nil {
		return nil, "", nil
	}
	return a.feedFn(creds, cursor)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*alerting.Alert
}

func (n *recordingNotifier) SendAlert(alert *alerting.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func (n *recordingNotifier) last() *alerting.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.alerts) == 0 {
		return nil
	}
	return n.alerts[len(n.alerts)-1]
}

type recordingTransport struct {
	mu        sync.Mutex
	delivered []*models.Notification
}

func (tr *recordingTransport) Deliver(_ context.Context, _ string, notif *models.Notification) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.delivered = append(tr.delivered, notif)
	return nil
}

func (tr *recordingTransport) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.delivered)
}

type fakeDeregistrar struct {
	mu  sync.Mutex
	ids []string
}

func (d *fakeDeregistrar) Deregister(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, connectionID)
}

func (d *fakeDeregistrar) deregistered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

// memIndex is an in-memory search index for wiring the propagator in tests.
type memIndex struct {
	mu   sync.Mutex
	docs map[string]search.Document
}

func newMemIndex() *memIndex {
	return &memIndex{docs: make(map[string]search.Document)}
}

func (i *memIndex) Upsert(_ context.Context, docs []search.Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, doc := range docs {
		i.docs[doc.ID] = doc
	}
	return nil
}

func (i *memIndex) Delete(_ context.Context, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.docs, id)
	}
	return nil
}

func (i *memIndex) DeleteAll(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.docs = make(map[string]search.Document)
	return nil
}

func (i *memIndex) List(context.Context) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]string, 0, len(i.docs))
	for id := range i.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (i *memIndex) Get(_ context.Context, id string) (search.Document, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	doc, ok := i.docs[id]
	return doc, ok, nil
}

func (i *memIndex) size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.docs)
}
