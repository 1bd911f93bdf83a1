package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/vault"
)

func TestRefresher_ScanRefreshesExpiringConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	newExpiry := time.Now().Add(time.Hour)
	adapter := &fakeAdapter{name: "mastodon", refreshFn: func(refreshToken string) (platform.Token, error) {
		assert.Equal(t, "refresh-0", refreshToken)
		return platform.Token{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresAt: &newExpiry}, nil
	}}
	env.registry.Register(adapter)

	soon := time.Now().Add(4 * time.Minute)
	conn := env.seedConnection(t, "mastodon", &soon)

	deregistrar := &fakeDeregistrar{}
	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, deregistrar, env.alerts, env.metrics)

	require.NoError(t, refresher.RunScan(ctx))

	assert.EqualValues(t, 1, adapter.refreshCalls.Load())

	got, err := env.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateValid, got.State)
	assert.Equal(t, 0, got.RefreshAttempts)
	require.NotNil(t, got.TokenExpiresAt)
	assert.WithinDuration(t, newExpiry, *got.TokenExpiresAt, time.Second)

	creds, err := env.vault.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)

	assert.Empty(t, deregistrar.deregistered())
	assert.Zero(t, env.alerts.count())
}

func TestRefresher_ScanRecoversStrandedPendingConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	adapter := &fakeAdapter{name: "mastodon", refreshFn: func(string) (platform.Token, error) {
		return platform.Token{AccessToken: "access-1"}, nil
	}}
	env.registry.Register(adapter)

	soon := time.Now().Add(time.Minute)
	conn := env.seedConnection(t, "mastodon", &soon)

	// Simulate a crash after the pending mark but before any outcome landed
	require.NoError(t, env.conns.MarkRefreshPending(ctx, conn.ID))

	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, &fakeDeregistrar{}, env.alerts, env.metrics)
	require.NoError(t, refresher.RunScan(ctx))

	assert.EqualValues(t, 1, adapter.refreshCalls.Load())

	got, err := env.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateValid, got.State)
	assert.True(t, got.Active)
}

func TestRefresher_ScanIgnoresHealthyConnections(t *testing.T) {
	env := newTestEnv(t)

	adapter := &fakeAdapter{name: "mastodon"}
	env.registry.Register(adapter)

	far := time.Now().Add(2 * time.Hour)
	env.seedConnection(t, "mastodon", &far)

	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, &fakeDeregistrar{}, env.alerts, env.metrics)
	require.NoError(t, refresher.RunScan(context.Background()))

	assert.Zero(t, adapter.refreshCalls.Load())
}

func TestRefresher_ExhaustedAttemptsRequireReconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	adapter := &fakeAdapter{name: "mastodon", refreshFn: func(string) (platform.Token, error) {
		return platform.Token{}, platform.Transient("mastodon", "refresh", errors.New("upstream down"))
	}}
	env.registry.Register(adapter)

	soon := time.Now().Add(time.Minute)
	conn := env.seedConnection(t, "mastodon", &soon)

	deregistrar := &fakeDeregistrar{}
	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, deregistrar, env.alerts, env.metrics)

	// First two failures keep the connection retryable
	for i := 1; i <= 2; i++ {
		require.NoError(t, refresher.RunScan(ctx))
		got, err := env.conns.Get(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateRefreshFailed, got.State)
		assert.Equal(t, i, got.RefreshAttempts)
		assert.True(t, got.Active)
	}

	// Third consecutive failure exhausts the attempt limit
	require.NoError(t, refresher.RunScan(ctx))

	got, err := env.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNeedsReconnect, got.State)
	assert.False(t, got.Active)
	assert.NotNil(t, got.ReconnectRequiredAt)

	// Tokens discarded, polling stopped, operator alerted
	_, err = env.vault.Get(ctx, conn.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.Equal(t, []string{conn.ID}, deregistrar.deregistered())
	require.Equal(t, 1, env.alerts.count())
	assert.Equal(t, "reconnect_required", env.alerts.last().Type)

	// No further attempts once reconnection is required
	calls := adapter.refreshCalls.Load()
	require.NoError(t, refresher.RunScan(ctx))
	assert.Equal(t, calls, adapter.refreshCalls.Load())
}

func TestRefresher_PlatformWithoutRefreshSupport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Feed-only adapter: no TokenRefresher capability
	env.registry.Register(&feedOnlyAdapter{name: "bluesky"})

	soon := time.Now().Add(time.Minute)
	conn := env.seedConnection(t, "bluesky", &soon)

	deregistrar := &fakeDeregistrar{}
	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, deregistrar, env.alerts, env.metrics)
	require.NoError(t, refresher.RunScan(ctx))

	got, err := env.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNeedsReconnect, got.State)
	assert.Equal(t, []string{conn.ID}, deregistrar.deregistered())
}

func TestRefresher_RefreshNowIsSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	adapter := &fakeAdapter{name: "mastodon", refreshFn: func(string) (platform.Token, error) {
		once.Do(func() { close(entered) })
		<-release
		return platform.Token{AccessToken: "access-1"}, nil
	}}
	env.registry.Register(adapter)

	soon := time.Now().Add(time.Minute)
	conn := env.seedConnection(t, "mastodon", &soon)

	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, &fakeDeregistrar{}, env.alerts, env.metrics)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		_ = refresher.RunScan(ctx)
	}()

	<-entered
	// A second attempt while one is in flight must bail out immediately
	refresher.RefreshNow(ctx, conn.ID)
	assert.EqualValues(t, 1, adapter.refreshCalls.Load())

	close(release)
	<-scanDone
	assert.EqualValues(t, 1, adapter.refreshCalls.Load())
}

func TestRefresher_RefreshNowSkipsInactiveConnections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	adapter := &fakeAdapter{name: "mastodon"}
	env.registry.Register(adapter)

	conn := env.seedConnection(t, "mastodon", nil)
	require.NoError(t, env.conns.MarkNeedsReconnect(ctx, conn.ID))

	refresher := NewRefresher(env.cfg, env.registry, env.vault, env.conns, &fakeDeregistrar{}, env.alerts, env.metrics)
	refresher.RefreshNow(ctx, conn.ID)

	assert.Zero(t, adapter.refreshCalls.Load())
}
