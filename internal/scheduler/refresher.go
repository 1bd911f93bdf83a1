package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omnifeed/omnifeed/internal/alerting"
	"github.com/omnifeed/omnifeed/internal/config"
	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/store"
	"github.com/omnifeed/omnifeed/internal/vault"
)

// jobDeregistrar removes a connection's polling job; implemented by Poller.
type jobDeregistrar interface {
	Deregister(connectionID string)
}

// Refresher keeps OAuth credentials valid. A recurring scan picks active
// connections whose expiry falls inside the lead window and issues at most
// one refresh attempt per connection per scan; the in-flight set is the
// single-flight guard, so two overlapping scans (or a scan racing an
// on-demand refresh) never run concurrent refreshes for one connection.
type Refresher struct {
	config   *config.Config
	registry *platform.Registry
	vault    vault.Vault
	conns    store.ConnectionRepository
	poller   jobDeregistrar
	alerts   alerting.Notifier
	metrics  *Metrics

	mu       sync.Mutex
	inflight map[string]bool

	sem chan struct{}
}

func NewRefresher(cfg *config.Config, registry *platform.Registry, v vault.Vault, conns store.ConnectionRepository, poller jobDeregistrar, alerts alerting.Notifier, metrics *Metrics) *Refresher {
	concurrency := cfg.RefreshConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Refresher{
		config:   cfg,
		registry: registry,
		vault:    v,
		conns:    conns,
		poller:   poller,
		alerts:   alerts,
		metrics:  metrics,
		inflight: make(map[string]bool),
		sem:      make(chan struct{}, concurrency),
	}
}

// RunScan refreshes every connection nearing expiry, bounded by the
// refresh concurrency limit. It waits for the fanned-out attempts before
// returning so a scan never overlaps itself in surprising ways.
func (r *Refresher) RunScan(ctx context.Context) error {
	conns, err := r.conns.ListExpiring(ctx, r.config.RefreshLeadWindow)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		return nil
	}

	logrus.Infof("Refresh scan: %d connections inside lead window", len(conns))

	var wg sync.WaitGroup
	for _, conn := range conns {
		if !r.begin(conn.ID) {
			continue
		}

		wg.Add(1)
		go func(conn *models.PlatformConnection) {
			defer wg.Done()
			defer r.end(conn.ID)

			r.sem <- struct{}{}
			defer func() { <-r.sem }()

			r.refreshOne(ctx, conn)
		}(conn)
	}
	wg.Wait()

	return nil
}

// RefreshNow issues one immediate refresh attempt for a connection, used
// by the polling scheduler when an adapter reports expired credentials.
func (r *Refresher) RefreshNow(ctx context.Context, connectionID string) {
	conn, err := r.conns.Get(ctx, connectionID)
	if err != nil {
		logrus.Errorf("Refresh-now lookup failed for %s: %v", connectionID, err)
		return
	}
	if !conn.Active || conn.State == models.StateNeedsReconnect {
		return
	}

	if !r.begin(conn.ID) {
		return
	}
	defer r.end(conn.ID)

	r.refreshOne(ctx, conn)
}

func (r *Refresher) refreshOne(ctx context.Context, conn *models.PlatformConnection) {
	log := logrus.WithFields(logrus.Fields{
		"connection": conn.ID,
		"platform":   conn.Platform,
		"user":       conn.UserID,
	})

	adapter, err := r.registry.Resolve(conn.Platform)
	if err != nil {
		log.Errorf("Refresh skipped: %v", err)
		return
	}

	refresher, ok := adapter.(platform.TokenRefresher)
	if !ok {
		// Permanent: the platform cannot refresh, only the user can.
		log.Warn("Platform does not support token refresh")
		r.exhaust(ctx, conn)
		return
	}

	creds, err := r.vault.Get(ctx, conn.ID)
	if err != nil {
		log.Errorf("Refresh skipped, credentials unavailable: %v", err)
		r.exhaust(ctx, conn)
		return
	}
	if creds.RefreshToken == "" {
		log.Warn("No refresh token stored")
		r.exhaust(ctx, conn)
		return
	}

	if err := r.conns.MarkRefreshPending(ctx, conn.ID); err != nil {
		log.Errorf("Failed to mark refresh pending: %v", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.AdapterTimeout)
	token, err := refresher.Refresh(callCtx, creds.RefreshToken)
	cancel()

	if err == nil {
		err = r.vault.Rotate(ctx, conn.ID, token)
	}

	if err != nil {
		attempts, markErr := r.conns.MarkRefreshFailure(ctx, conn.ID)
		if markErr != nil {
			log.Errorf("Failed to record refresh failure: %v", markErr)
			return
		}
		r.metrics.recordRefresh(false)
		log.Warnf("Refresh attempt %d/%d failed: %v", attempts, r.config.RefreshMaxAttempts, err)

		if attempts >= r.config.RefreshMaxAttempts {
			r.exhaust(ctx, conn)
		}
		return
	}

	if err := r.conns.MarkRefreshed(ctx, conn.ID, token.ExpiresAt); err != nil {
		log.Errorf("Failed to record refreshed state: %v", err)
		return
	}

	r.metrics.recordRefresh(true)
	log.Info("Credentials refreshed")
}

// exhaust transitions a connection to NeedsReconnect: tokens are
// discarded, polling stops, and the user must re-authenticate. There is no
// automatic recovery from here.
func (r *Refresher) exhaust(ctx context.Context, conn *models.PlatformConnection) {
	if err := r.conns.MarkNeedsReconnect(ctx, conn.ID); err != nil {
		logrus.Errorf("Failed to mark %s needs_reconnect: %v", conn.ID, err)
		return
	}
	if err := r.vault.Revoke(ctx, conn.ID); err != nil {
		logrus.Errorf("Failed to revoke credentials for %s: %v", conn.ID, err)
	}
	r.poller.Deregister(conn.ID)
	r.metrics.recordReconnectRequired()

	logrus.WithFields(logrus.Fields{
		"connection": conn.ID,
		"platform":   conn.Platform,
		"user":       conn.UserID,
	}).Warn("Connection requires reconnection")

	if err := r.alerts.SendAlert(alerting.ReconnectRequired(conn.UserID, conn.Platform, conn.ID)); err != nil {
		logrus.Errorf("Failed to send reconnect alert: %v", err)
	}
}

func (r *Refresher) begin(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[connectionID] {
		return false
	}
	r.inflight[connectionID] = true
	return true
}

func (r *Refresher) end(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, connectionID)
}
