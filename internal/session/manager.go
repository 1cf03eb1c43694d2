// Package session owns the per-user screen state: one event bus and, per
// data source, a table store, its loader and an optional open form. Stores
// are created on first use and restored from the persister.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/dispatch"
	"github.com/Tripsy/dashboard/internal/events"
	"github.com/Tripsy/dashboard/internal/form"
	"github.com/Tripsy/dashboard/internal/table"
	"github.com/Tripsy/dashboard/internal/validation"
	"github.com/Tripsy/dashboard/model"
)

// DefaultIdleTTL is how long an unused session is kept.
const DefaultIdleTTL = 30 * time.Minute

// Option configures a Manager.
type Option func(*Manager)

// WithPersister persists table state per subject.
func WithPersister(p table.Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// WithIdleTTL overrides DefaultIdleTTL.
func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) { m.idleTTL = d }
}

// WithRowHookDebounce sets the quiet period of row-select hooks.
func WithRowHookDebounce(d time.Duration) Option {
	return func(m *Manager) { m.rowHookWait = d }
}

// WithValidationDebounce sets the quiet period of form validation.
func WithValidationDebounce(d time.Duration) Option {
	return func(m *Manager) { m.validationWait = d }
}

// WithFetchTimeout bounds each table fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

// WithFetchObserver reports table fetches.
func WithFetchObserver(fn table.FetchObserver) Option {
	return func(m *Manager) { m.fetchObserver = fn }
}

// WithValidationPassObserver reports validation passes of open forms.
func WithValidationPassObserver(fn func(dataSource string, success bool)) Option {
	return func(m *Manager) { m.passObserver = fn }
}

// WithActiveObserver is told the number of live sessions whenever it
// changes.
func WithActiveObserver(fn func(int)) Option {
	return func(m *Manager) { m.onActive = fn }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager hands out sessions keyed by subject id.
type Manager struct {
	dispatcher     *dispatch.Dispatcher
	machine        *form.Machine
	persister      table.Persister
	idleTTL        time.Duration
	rowHookWait    time.Duration
	validationWait time.Duration
	fetchTimeout   time.Duration
	fetchObserver  table.FetchObserver
	passObserver   func(string, bool)
	onActive       func(int)
	logger         *zap.Logger
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(d *dispatch.Dispatcher, machine *form.Machine, opts ...Option) *Manager {
	m := &Manager{
		dispatcher:     d,
		machine:        machine,
		idleTTL:        DefaultIdleTTL,
		rowHookWait:    table.DefaultRowHookDebounce,
		validationWait: validation.DefaultDebounce,
		logger:         zap.NewNop(),
		now:            time.Now,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the session of subject, creating it if needed.
func (m *Manager) Session(subject string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[subject]
	if !ok {
		s = &Session{
			id:      uuid.NewString(),
			subject: subject,
			manager: m,
			bus:     events.NewBus(),
			tables:  make(map[string]*Table),
			forms:   make(map[string]*form.Editor),
		}
		m.sessions[subject] = s
		m.logger.Debug("session created", zap.String("subject_id", subject), zap.String("session_id", s.id))
	}
	s.touch(m.now())
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		m.reportActive(count)
	}
	return s
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the idle TTL and returns how
// many were closed.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	var idle []*Session
	for subject, s := range m.sessions {
		if s.lastSeen().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, subject)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, s := range idle {
		s.close(ctx)
	}
	if len(idle) > 0 {
		m.logger.Info("evicted idle sessions", zap.Int("evicted", len(idle)), zap.Int("active", count))
		m.reportActive(count)
	}
	return len(idle)
}

// Checkpoint persists the changed tables of every active session and
// returns how many were written.
func (m *Manager) Checkpoint(ctx context.Context) int {
	if m.persister == nil {
		return 0
	}
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	written := 0
	for _, s := range active {
		written += s.checkpoint(ctx)
	}
	if written > 0 {
		m.logger.Debug("table state checkpointed", zap.Int("tables", written))
	}
	return written
}

// Run sweeps idle sessions and checkpoints the active ones every interval
// until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
			m.Checkpoint(ctx)
		}
	}
}

// Close closes every session, persisting its tables.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.close(ctx)
	}
	m.reportActive(0)
}

func (m *Manager) reportActive(n int) {
	if m.onActive != nil {
		m.onActive(n)
	}
}

// unknownDataSource builds the NOT_FOUND error for key, with a suggestion
// when a registered key is close.
func unknownDataSource(reg *datasource.Registry, key string) error {
	msg := fmt.Sprintf("Data source %q not found", key)
	if s, ok := reg.Suggest(key); ok {
		msg += fmt.Sprintf("; did you mean %q?", s)
	}
	return model.NewNotFoundError(msg)
}
