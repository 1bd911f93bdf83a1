package search

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/omnifeed/omnifeed/internal/store"
)

// Propagator projects committed posts into the search index from a queue
// drained by dedicated workers, keeping a slow or unavailable index off
// the ingest path. Enqueue never blocks; an overflowing queue drops the
// batch, which the next reindex reconciles (the index is advisory).
type Propagator struct {
	posts   store.PostRepository
	index   Index
	queue   chan []string
	workers int

	retryBase  time.Duration
	retryMax   time.Duration
	maxRetries uint64

	// Invoked when a batch exhausts its retries; used for the
	// health-degraded signal. Never invoked on the ingest path.
	onDegraded func(error)

	// queueMu orders Enqueue against Stop so a producer still in flight
	// during shutdown drops its batch instead of hitting a closed channel.
	queueMu     sync.RWMutex
	queueClosed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

type PropagatorOptions struct {
	QueueSize  int
	Workers    int
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
	OnDegraded func(error)
}

func NewPropagator(posts store.PostRepository, index Index, opts PropagatorOptions) *Propagator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.OnDegraded == nil {
		opts.OnDegraded = func(error) {}
	}

	return &Propagator{
		posts:      posts,
		index:      index,
		queue:      make(chan []string, opts.QueueSize),
		workers:    opts.Workers,
		retryBase:  opts.RetryBase,
		retryMax:   opts.RetryMax,
		maxRetries: uint64(opts.MaxRetries),
		onDegraded: opts.OnDegraded,
	}
}

// Start launches the propagation workers.
func (p *Propagator) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logrus.Infof("Search propagator started with %d workers", p.workers)
}

// Stop closes the queue and waits for in-flight batches to finish.
func (p *Propagator) Stop() {
	p.stopOnce.Do(func() {
		p.queueMu.Lock()
		p.queueClosed = true
		close(p.queue)
		p.queueMu.Unlock()
	})
	p.wg.Wait()
	logrus.Info("Search propagator stopped")
}

// Enqueue hands committed post ids to the workers. Callers must only pass
// ids whose durable write has already committed. After Stop the batch is
// dropped; the next reindex reconciles.
func (p *Propagator) Enqueue(postIDs []string) {
	if len(postIDs) == 0 {
		return
	}

	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.queueClosed {
		logrus.Debugf("Search propagator stopped, dropping %d ids until next reindex", len(postIDs))
		return
	}

	select {
	case p.queue <- postIDs:
	default:
		logrus.Warnf("Search propagation queue full, dropping %d ids until next reindex", len(postIDs))
	}
}

func (p *Propagator) worker() {
	defer p.wg.Done()

	for ids := range p.queue {
		if err := p.project(context.Background(), ids); err != nil {
			logrus.Errorf("Search propagation failed after retries: %v", err)
			p.onDegraded(err)
		}
	}
}

// project loads the rows from the store of record and upserts their
// documents, retrying with exponential backoff. Re-projection is
// idempotent: documents are keyed by post id.
func (p *Propagator) project(ctx context.Context, ids []string) error {
	posts, err := p.posts.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}

	docs := make([]Document, 0, len(posts))
	for _, post := range posts {
		docs = append(docs, FromPost(post))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryBase
	policy.MaxInterval = p.retryMax

	return backoff.Retry(func() error {
		return p.index.Upsert(ctx, docs)
	}, backoff.WithMaxRetries(policy, p.maxRetries))
}
