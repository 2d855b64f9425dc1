// Package ledger records which tenants already have an index and search
// application for a given idempotency key, so a rerun of the same batch can
// skip the create calls. It is a registry of remote resources, not a record
// of pipeline progress: nothing in it is used to resume a run.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Entry is one provisioned tenant.
type Entry struct {
	IdempotencyKey string    `json:"idempotency_key"`
	TenantKey      string    `json:"tenant_key"`
	IndexID        string    `json:"index_id"`
	SearchAppID    string    `json:"search_app_id"`
	BatchID        string    `json:"batch_id"`
	ProvisionedAt  time.Time `json:"provisioned_at"`
}

// Ledger looks up and records provisioned tenants. Lookup returns nil, nil
// when the key is unknown. Record keeps the first entry for a key.
type Ledger interface {
	Lookup(ctx context.Context, idempotencyKey string) (*Entry, error)
	Record(ctx context.Context, entry Entry) error
}

// Memory is a process-local Ledger. It forgets everything on restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Lookup(ctx context.Context, idempotencyKey string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) Record(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.IdempotencyKey]; !ok {
		m.entries[entry.IdempotencyKey] = entry
	}
	return nil
}

// Len returns the number of recorded entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
