package scheduler

import (
	"encoding/json"
	"sync"
	"time"
)

// Metrics holds pipeline counters served by the metrics endpoint.
type Metrics struct {
	mu sync.RWMutex

	LastRun         time.Time      `json:"last_run"`
	LastRunDuration string         `json:"last_run_duration"`
	RunsCompleted   int            `json:"runs_completed"`
	RunsSkipped     int            `json:"runs_skipped"`
	PlatformRuns    map[string]int `json:"platform_runs"`

	PostsCreated         int `json:"posts_created"`
	PostsUpdated         int `json:"posts_updated"`
	NotificationsCreated int `json:"notifications_created"`
	NotificationsUpdated int `json:"notifications_updated"`
	ItemsSkipped         int `json:"items_skipped"`

	FetchFailures      int `json:"fetch_failures"`
	RefreshSuccesses   int `json:"refresh_successes"`
	RefreshFailures    int `json:"refresh_failures"`
	ReconnectsRequired int `json:"reconnects_required"`
	DeliveryFailures   int `json:"delivery_failures"`
	SearchDegraded     int `json:"search_degraded"`
}

func NewMetrics() *Metrics {
	return &Metrics{PlatformRuns: make(map[string]int)}
}

func (m *Metrics) recordRun(platformID string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunsCompleted++
	m.LastRun = time.Now()
	m.LastRunDuration = took.String()
	m.PlatformRuns[platformID]++
}

func (m *Metrics) recordSkip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunsSkipped++
}

func (m *Metrics) recordIngest(posts bool, created, updated, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if posts {
		m.PostsCreated += created
		m.PostsUpdated += updated
	} else {
		m.NotificationsCreated += created
		m.NotificationsUpdated += updated
	}
	m.ItemsSkipped += skipped
}

func (m *Metrics) recordFetchFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchFailures++
}

func (m *Metrics) recordRefresh(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.RefreshSuccesses++
	} else {
		m.RefreshFailures++
	}
}

func (m *Metrics) recordReconnectRequired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReconnectsRequired++
}

func (m *Metrics) recordDeliveryFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeliveryFailures++
}

// RecordSearchDegraded is exposed for the search propagator's
// health-degraded callback.
func (m *Metrics) RecordSearchDegraded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchDegraded++
}

// GetMetrics returns current metrics as JSON
func (m *Metrics) GetMetrics() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, _ := json.MarshalIndent(m, "", "  ")
	return string(data)
}
