package pipeline

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/kafka"
)

// Event types published to the pipeline events topic.
const (
	EventTenantIngested = "tenant.ingested"
	EventTenantFailed   = "tenant.failed"
	EventBatchCompleted = "batch.completed"
)

// Event is the JSON payload of a pipeline event.
type Event struct {
	Type        string    `json:"type"`
	RunID       string    `json:"run_id"`
	BatchID     string    `json:"batch_id"`
	TenantKey   string    `json:"tenant_key,omitempty"`
	IndexID     string    `json:"index_id,omitempty"`
	SearchAppID string    `json:"search_app_id,omitempty"`
	Documents   int       `json:"documents,omitempty"`
	Locator     string    `json:"locator,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	State       State     `json:"state,omitempty"`
	Error       string    `json:"error,omitempty"`
	Processed   int       `json:"processed,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	At          time.Time `json:"at"`
}

// EventPublisher delivers pipeline events. *kafka.Producer satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// publish sends ev keyed by tenant (or batch, for batch events) so one
// tenant's events stay ordered. Failures are logged and dropped.
func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.events == nil {
		return
	}
	ev.At = o.now().UTC()
	key := ev.TenantKey
	if key == "" {
		key = ev.BatchID
	}
	if err := o.events.Publish(ctx, kafka.Event{Key: key, Type: ev.Type, Value: ev}); err != nil {
		o.logger.Warn("pipeline event not published",
			"type", ev.Type,
			"tenant", ev.TenantKey,
			"error", err,
		)
	}
}
