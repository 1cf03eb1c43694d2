package table

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Tripsy/dashboard/model"
)

// storagePrefix prefixes the storage name of every persisted table.
const storagePrefix = "data-table-state-"

// StorageName is the name a data source's table state is persisted under.
func StorageName(dataSource string) string {
	return storagePrefix + dataSource
}

// Persister stores the persisted subset of table states. Scope separates
// users; name is a StorageName.
type Persister interface {
	Load(ctx context.Context, scope, name string) (model.PersistedTableState, bool, error)
	Save(ctx context.Context, scope, name string, state model.PersistedTableState) error
	Delete(ctx context.Context, scope, name string) error
	// Driver names the backing store in logs and metrics.
	Driver() string
}

// --- MemoryPersister ---

// MemoryPersister is an in-memory Persister with TTL support. Suitable for
// tests and single-instance deployments.
type MemoryPersister struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryPersister creates a MemoryPersister. A zero ttl keeps entries
// forever.
func NewMemoryPersister(ttl time.Duration) *MemoryPersister {
	return &MemoryPersister{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memEntry),
	}
}

// Load returns the stored state, if present and not expired.
func (p *MemoryPersister) Load(_ context.Context, scope, name string) (model.PersistedTableState, bool, error) {
	key := persistKey(scope, name)
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if !ok {
		return model.PersistedTableState{}, false, nil
	}
	if !entry.expiresAt.IsZero() && p.now().After(entry.expiresAt) {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
		return model.PersistedTableState{}, false, nil
	}

	var state model.PersistedTableState
	if err := json.Unmarshal(entry.data, &state); err != nil {
		return model.PersistedTableState{}, false, fmt.Errorf("unmarshal table state: %w", err)
	}
	return state, true, nil
}

// Save stores state. It is serialised so the caller's maps can keep
// changing.
func (p *MemoryPersister) Save(_ context.Context, scope, name string, state model.PersistedTableState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal table state: %w", err)
	}
	entry := memEntry{data: data}
	if p.ttl > 0 {
		entry.expiresAt = p.now().Add(p.ttl)
	}
	p.mu.Lock()
	p.entries[persistKey(scope, name)] = entry
	p.mu.Unlock()
	return nil
}

// Delete removes the stored state.
func (p *MemoryPersister) Delete(_ context.Context, scope, name string) error {
	p.mu.Lock()
	delete(p.entries, persistKey(scope, name))
	p.mu.Unlock()
	return nil
}

// Driver implements Persister.
func (p *MemoryPersister) Driver() string { return "memory" }

// HealthCheck always succeeds.
func (p *MemoryPersister) HealthCheck(context.Context) error { return nil }

func persistKey(scope, name string) string {
	return scope + ":" + name
}

// --- Instrumentation ---

// OpRecorder is notified after every persister operation.
type OpRecorder func(driver, op string, err error)

type instrumented struct {
	Persister
	record OpRecorder
}

// Instrument wraps p so every operation is reported to record.
func Instrument(p Persister, record OpRecorder) Persister {
	return &instrumented{Persister: p, record: record}
}

// Unwrap returns the wrapped persister.
func (i *instrumented) Unwrap() Persister { return i.Persister }

func (i *instrumented) Load(ctx context.Context, scope, name string) (model.PersistedTableState, bool, error) {
	state, found, err := i.Persister.Load(ctx, scope, name)
	i.record(i.Driver(), "load", err)
	return state, found, err
}

func (i *instrumented) Save(ctx context.Context, scope, name string, state model.PersistedTableState) error {
	err := i.Persister.Save(ctx, scope, name, state)
	i.record(i.Driver(), "save", err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, scope, name string) error {
	err := i.Persister.Delete(ctx, scope, name)
	i.record(i.Driver(), "delete", err)
	return err
}

// HealthCheck forwards to the wrapped persister when it supports health
// checks.
func (i *instrumented) HealthCheck(ctx context.Context) error {
	if hc, ok := i.Persister.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
