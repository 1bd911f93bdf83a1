package alerting

import "time"

// Alert is one operator-facing pipeline health event.
type Alert struct {
	Type      string            `json:"type"` // "reconnect_required", "search_degraded", "reindex_completed"
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Facts     map[string]string `json:"facts,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier delivers alerts to whatever operator channels are configured.
type Notifier interface {
	SendAlert(alert *Alert) error
}
