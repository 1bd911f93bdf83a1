package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/omnifeed/omnifeed/internal/archive"
	"github.com/omnifeed/omnifeed/internal/config"
	"github.com/omnifeed/omnifeed/internal/delivery"
	"github.com/omnifeed/omnifeed/internal/ingest"
	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/search"
	"github.com/omnifeed/omnifeed/internal/store"
	"github.com/omnifeed/omnifeed/internal/vault"
)

// tokenRefresher triggers one immediate refresh attempt for a connection.
type tokenRefresher interface {
	RefreshNow(ctx context.Context, connectionID string)
}

// pollJob is one registered (user, platform) connection. The running flag
// keeps within-pair concurrency at 1; the disabled flags remember
// permanent capability gaps so they are logged once, not every tick.
type pollJob struct {
	connectionID string
	running      atomic.Bool

	feedDisabled  bool
	notifDisabled bool
}

// Poller runs the recurring per-connection content polls. Each tick
// enqueues every registered job onto a queue drained by a fixed worker
// pool; a job still running from the previous tick is skipped, never
// queued twice. Cursors advance only after a successful fetch+ingest, so
// a failed run retries the same window next tick.
type Poller struct {
	config    *config.Config
	registry  *platform.Registry
	vault     vault.Vault
	conns     store.ConnectionRepository
	notifs    store.NotificationRepository
	engine    *ingest.Engine
	propagate *search.Propagator
	transport delivery.Transport
	archiver  archive.Archiver
	refresher tokenRefresher
	metrics   *Metrics

	mu   sync.Mutex
	jobs map[string]*pollJob

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// queueMu orders ticks against shutdown: a send happens only while the
	// queue is provably open.
	queueMu     sync.RWMutex
	queueClosed bool
	queue       chan *pollJob
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

func NewPoller(cfg *config.Config, registry *platform.Registry, v vault.Vault,
	conns store.ConnectionRepository, notifs store.NotificationRepository,
	engine *ingest.Engine, propagate *search.Propagator,
	transport delivery.Transport, archiver archive.Archiver, metrics *Metrics) *Poller {

	return &Poller{
		config:    cfg,
		registry:  registry,
		vault:     v,
		conns:     conns,
		notifs:    notifs,
		engine:    engine,
		propagate: propagate,
		transport: transport,
		archiver:  archiver,
		metrics:   metrics,
		jobs:      make(map[string]*pollJob),
		limiters:  make(map[string]*rate.Limiter),
		queue:     make(chan *pollJob, cfg.WorkerPoolSize*4),
	}
}

// BindRefresher wires the token refresher after construction; the two
// schedulers reference each other only through narrow interfaces.
func (p *Poller) BindRefresher(r tokenRefresher) { p.refresher = r }

// Start launches the worker pool.
func (p *Poller) Start() {
	for i := 0; i < p.config.WorkerPoolSize; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logrus.Infof("Polling worker pool started with %d workers", p.config.WorkerPoolSize)
}

// Stop stops accepting jobs and gives in-flight runs a bounded grace
// period. Interrupted runs are safe to re-run: upserts are idempotent and
// cursors only advance after success.
func (p *Poller) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.queueMu.Lock()
		p.queueClosed = true
		close(p.queue)
		p.queueMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Polling workers drained")
	case <-ctx.Done():
		logrus.Warn("Polling workers shutdown grace period elapsed")
	}
}

// Register adds a polling job for a connection; called on connect and at
// startup for every active connection.
func (p *Poller) Register(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.jobs[connectionID]; exists {
		return
	}
	p.jobs[connectionID] = &pollJob{connectionID: connectionID}
	logrus.Infof("Registered polling job for connection %s", connectionID)
}

// Deregister removes a connection's polling job; called on disconnect and
// on the NeedsReconnect transition.
func (p *Poller) Deregister(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.jobs[connectionID]; exists {
		delete(p.jobs, connectionID)
		logrus.Infof("Deregistered polling job for connection %s", connectionID)
	}
}

// Registered reports whether a connection currently has a polling job.
func (p *Poller) Registered(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[connectionID]
	return ok
}

// RunTick enqueues one run per registered job. Jobs still running from a
// previous tick are skipped; they pick up the missed window through their
// cursor on the next tick.
func (p *Poller) RunTick() {
	p.mu.Lock()
	jobs := make([]*pollJob, 0, len(p.jobs))
	for _, job := range p.jobs {
		jobs = append(jobs, job)
	}
	p.mu.Unlock()

	for _, job := range jobs {
		if !job.running.CompareAndSwap(false, true) {
			logrus.Debugf("Skipping overlapping run for connection %s", job.connectionID)
			continue
		}

		if !p.enqueue(job) {
			job.running.Store(false)
			logrus.Warnf("Polling queue unavailable, connection %s deferred to next tick", job.connectionID)
		}
	}
}

// enqueue offers a job to the worker pool without blocking. Returns false
// when the queue is saturated or already closed by Stop.
func (p *Poller) enqueue(job *pollJob) bool {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.queueClosed {
		return false
	}
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

func (p *Poller) worker() {
	defer p.wg.Done()

	for job := range p.queue {
		p.runJob(job)
		job.running.Store(false)
	}
}

func (p *Poller) runJob(job *pollJob) {
	start := time.Now()
	ctx := context.Background()

	conn, err := p.conns.Get(ctx, job.connectionID)
	if err != nil {
		logrus.Errorf("Polling lookup failed for %s: %v", job.connectionID, err)
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"connection": conn.ID,
		"platform":   conn.Platform,
		"user":       conn.UserID,
	})

	// Token validity is a precondition; a pending or failed refresh means
	// this run is skipped, not retried, and rescheduled next tick.
	if !conn.Active || conn.State != models.StateValid {
		log.Debugf("Skipping run, connection state is %s", conn.State)
		p.metrics.recordSkip()
		return
	}

	adapter, err := p.registry.Resolve(conn.Platform)
	if err != nil {
		log.Errorf("No adapter: %v", err)
		return
	}

	if err := p.limiter(conn.Platform).Wait(ctx); err != nil {
		return
	}

	creds, err := p.vault.Get(ctx, conn.ID)
	if err != nil {
		log.Errorf("Credentials unavailable: %v", err)
		p.metrics.recordSkip()
		return
	}

	if !p.pollFeed(ctx, log, job, conn, adapter, creds) {
		return
	}
	p.pollNotifications(ctx, log, job, conn, adapter, creds)

	p.metrics.recordRun(conn.Platform, time.Since(start))
}

// pollFeed fetches and ingests feed deltas. Returns false when the run
// should stop before notifications (expired credentials or the platform
// looking unhealthy).
func (p *Poller) pollFeed(ctx context.Context, log *logrus.Entry, job *pollJob, conn *models.PlatformConnection, adapter platform.Adapter, creds platform.Credentials) bool {
	if job.feedDisabled {
		return true
	}

	fetcher, ok := adapter.(platform.FeedFetcher)
	if !ok {
		log.Infof("Platform %s does not support feed fetch", conn.Platform)
		job.feedDisabled = true
		return true
	}

	items, next, err := p.fetchWithRetry(func(callCtx context.Context) ([]platform.RawItem, string, error) {
		return fetcher.FetchFeed(callCtx, creds, conn.FeedCursor)
	})
	if err != nil {
		return p.handleFetchError(ctx, log, conn, "feed", err)
	}

	if len(items) > 0 {
		p.archiveBatch(conn, "feed", items)

		res, err := p.engine.IngestPosts(ctx, conn.UserID, conn.Platform, items)
		if err != nil {
			log.Errorf("Feed ingest aborted: %v", err)
			return false
		}
		p.metrics.recordIngest(true, res.Created, res.Updated, res.Skipped)
		log.Infof("Feed run: %d created, %d updated, %d skipped", res.Created, res.Updated, res.Skipped)

		// Durable write committed; the derived index may now follow.
		p.propagate.Enqueue(res.IDs)
	}

	if next != "" && next != conn.FeedCursor {
		if err := p.conns.AdvanceFeedCursor(ctx, conn.ID, next); err != nil {
			log.Errorf("Failed to advance feed cursor: %v", err)
		}
	}
	return true
}

func (p *Poller) pollNotifications(ctx context.Context, log *logrus.Entry, job *pollJob, conn *models.PlatformConnection, adapter platform.Adapter, creds platform.Credentials) {
	if job.notifDisabled {
		return
	}

	fetcher, ok := adapter.(platform.NotificationFetcher)
	if !ok {
		log.Infof("Platform %s does not support notification fetch", conn.Platform)
		job.notifDisabled = true
		return
	}

	items, next, err := p.fetchWithRetry(func(callCtx context.Context) ([]platform.RawItem, string, error) {
		return fetcher.FetchNotifications(callCtx, creds, conn.NotificationCursor)
	})
	if err != nil {
		p.handleFetchError(ctx, log, conn, "notifications", err)
		return
	}

	if len(items) > 0 {
		p.archiveBatch(conn, "notifications", items)

		res, err := p.engine.IngestNotifications(ctx, conn.UserID, conn.Platform, items)
		if err != nil {
			log.Errorf("Notification ingest aborted: %v", err)
			return
		}
		p.metrics.recordIngest(false, res.Created, res.Updated, res.Skipped)
		log.Infof("Notification run: %d created, %d updated, %d skipped", res.Created, res.Updated, res.Skipped)

		p.deliverNew(ctx, log, conn.UserID, res.CreatedIDs)
	}

	if next != "" && next != conn.NotificationCursor {
		if err := p.conns.AdvanceNotificationCursor(ctx, conn.ID, next); err != nil {
			log.Errorf("Failed to advance notification cursor: %v", err)
		}
	}
}

// fetchWithRetry retries transient adapter failures with exponential
// backoff up to the configured attempt count. Every attempt carries its
// own bounded timeout. Non-transient failures stop immediately.
func (p *Poller) fetchWithRetry(fn func(ctx context.Context) ([]platform.RawItem, string, error)) ([]platform.RawItem, string, error) {
	var items []platform.RawItem
	var next string

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.config.RetryBaseDelay
	policy.MaxInterval = p.config.RetryMaxDelay

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(context.Background(), p.config.AdapterTimeout)
		defer cancel()

		fetched, cursor, err := fn(callCtx)
		if err != nil {
			if platform.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		items, next = fetched, cursor
		return nil
	}, backoff.WithMaxRetries(policy, uint64(p.config.MaxFetchRetries)))

	return items, next, err
}

// handleFetchError applies the error taxonomy. Returns whether the run may
// continue with the next fetch kind. The cursor is never advanced here.
func (p *Poller) handleFetchError(ctx context.Context, log *logrus.Entry, conn *models.PlatformConnection, op string, err error) bool {
	switch {
	case platform.IsAuthExpired(err):
		log.Warnf("Credentials expired during %s fetch, requesting refresh", op)
		if p.refresher != nil {
			p.refresher.RefreshNow(ctx, conn.ID)
		}
		return false
	case platform.IsTransient(err):
		// Retries exhausted: connection health degraded, not fatal.
		p.metrics.recordFetchFailure()
		log.Warnf("Transient %s fetch failure after retries: %v", op, err)
		return false
	default:
		p.metrics.recordFetchFailure()
		log.Errorf("Permanent %s fetch failure: %v", op, err)
		return true
	}
}

// deliverNew pushes freshly created notifications to the user's connected
// clients. Strictly best-effort: failures are counted and dropped.
func (p *Poller) deliverNew(ctx context.Context, log *logrus.Entry, userID string, createdIDs []string) {
	if len(createdIDs) == 0 {
		return
	}

	notifs, err := p.notifs.GetByIDs(ctx, createdIDs)
	if err != nil {
		log.Errorf("Failed to load notifications for delivery: %v", err)
		return
	}

	for _, notif := range notifs {
		deliverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.transport.Deliver(deliverCtx, userID, notif)
		cancel()
		if err != nil {
			p.metrics.recordDeliveryFailure()
			log.Warnf("Live delivery failed for notification %s: %v", notif.ID, err)
		}
	}
}

// archiveBatch stores the verbatim payloads of one fetch, best-effort.
func (p *Poller) archiveBatch(conn *models.PlatformConnection, kind string, items []platform.RawItem) {
	raws := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if len(item.Raw) > 0 {
			raws = append(raws, item.Raw)
		}
	}
	if len(raws) == 0 {
		return
	}

	data, err := json.Marshal(raws)
	if err != nil {
		return
	}

	filename := archive.Prefix(conn.Platform, conn.ID) + kind + "-" + time.Now().Format("2006-01-02-15-04-05") + ".json"
	if err := p.archiver.Store(filename, data); err != nil {
		logrus.Debugf("Archive store failed for %s: %v", filename, err)
	}
}

func (p *Poller) limiter(platformID string) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	if limiter, ok := p.limiters[platformID]; ok {
		return limiter
	}

	limit := rate.Inf
	if rps, ok := p.config.PlatformRateLimits[platformID]; ok && rps > 0 {
		limit = rate.Limit(rps)
	}
	burst := p.config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	limiter := rate.NewLimiter(limit, burst)
	p.limiters[platformID] = limiter
	return limiter
}
