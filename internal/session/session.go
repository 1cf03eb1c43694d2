package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/events"
	"github.com/Tripsy/dashboard/internal/form"
	"github.com/Tripsy/dashboard/internal/table"
	"github.com/Tripsy/dashboard/internal/validation"
	"github.com/Tripsy/dashboard/model"
)

// Table bundles the store and loader of one data source.
type Table struct {
	Store  *table.Store
	Loader *table.Loader

	unsubscribe func()
}

// Session is the screen state of one subject.
type Session struct {
	id      string
	subject string
	manager *Manager
	bus     *events.Bus

	mu     sync.Mutex
	seen   time.Time
	tables map[string]*Table
	forms  map[string]*form.Editor
	closed bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Subject returns the subject the session belongs to.
func (s *Session) Subject() string { return s.subject }

// Bus returns the session's event bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// Table returns the table of key, creating, restoring and subscribing its
// store on first use. Unknown keys yield a NOT_FOUND error.
func (s *Session) Table(ctx context.Context, key string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[key]; ok {
		return t, nil
	}

	m := s.manager
	reg := m.dispatcher.Registry()
	cfg, ok := reg.Config(key)
	if !ok {
		return nil, unknownDataSource(reg, key)
	}

	logger := m.logger.With(zap.String("data_source", key), zap.String("subject_id", s.subject))
	storeOpts := []table.Option{
		table.WithRowHooks(m.dispatcher, m.rowHookWait),
		table.WithLogger(logger),
	}
	if m.persister != nil {
		storeOpts = append(storeOpts, table.WithPersister(m.persister, s.subject))
	}
	store := table.NewStore(cfg, storeOpts...)
	if restored, err := store.Restore(ctx); err != nil {
		logger.Warn("restoring table state failed", zap.Error(err))
	} else if restored {
		logger.Debug("table state restored")
	}

	loaderOpts := []table.LoaderOption{table.WithLoaderLogger(logger)}
	if m.fetchTimeout > 0 {
		loaderOpts = append(loaderOpts, table.WithFetchTimeout(m.fetchTimeout))
	}
	if m.fetchObserver != nil {
		loaderOpts = append(loaderOpts, table.WithFetchObserver(m.fetchObserver))
	}

	t := &Table{
		Store:       store,
		Loader:      table.NewLoader(cfg, m.dispatcher, loaderOpts...),
		unsubscribe: store.Subscribe(s.bus),
	}
	s.tables[key] = t
	return t, nil
}

// OpenForm opens a form editor for key, replacing any open one. A nil
// entity opens the create form.
func (s *Session) OpenForm(ctx context.Context, key string, entity model.Entity) (*form.Editor, error) {
	m := s.manager
	opts := []validation.Option{validation.WithDebounce(m.validationWait)}
	if m.passObserver != nil {
		opts = append(opts, validation.WithPassObserver(func(ok bool) { m.passObserver(key, ok) }))
	}

	ed, err := m.machine.Edit(ctx, key, entity, opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.forms[key]
	s.forms[key] = ed
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return ed, nil
}

// Form returns the open form editor of key.
func (s *Session) Form(key string) (*form.Editor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ed, ok := s.forms[key]
	return ed, ok
}

// CloseForm closes the open form of key, if any.
func (s *Session) CloseForm(key string) {
	s.mu.Lock()
	ed := s.forms[key]
	delete(s.forms, key)
	s.mu.Unlock()
	if ed != nil {
		ed.Close()
	}
}

// Signals returns the collaborators a form submit on key notifies.
func (s *Session) Signals(ctx context.Context, key string) (form.Signals, error) {
	t, err := s.Table(ctx, key)
	if err != nil {
		return form.Signals{}, err
	}
	return form.Signals{Table: t.Store, Bus: s.bus}, nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.seen = now
	s.mu.Unlock()
}

func (s *Session) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// checkpoint persists the tables changed since their last save and returns
// how many were written.
func (s *Session) checkpoint(ctx context.Context) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	tables := make(map[string]*Table, len(s.tables))
	for key, t := range s.tables {
		tables[key] = t
	}
	s.mu.Unlock()

	written := 0
	for key, t := range tables {
		ok, err := t.Store.PersistIfChanged(ctx)
		if err != nil {
			s.manager.logger.Warn("checkpointing table state failed",
				zap.String("data_source", key),
				zap.String("subject_id", s.subject),
				zap.Error(err),
			)
			continue
		}
		if ok {
			written++
		}
	}
	return written
}

func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tables, forms := s.tables, s.forms
	s.tables, s.forms = map[string]*Table{}, map[string]*form.Editor{}
	s.mu.Unlock()

	for _, ed := range forms {
		ed.Close()
	}
	for key, t := range tables {
		t.unsubscribe()
		t.Loader.Cancel()
		t.Store.FlushRowHooks()
		t.Store.Close()
		if err := t.Store.Persist(ctx); err != nil {
			s.manager.logger.Warn("persisting table state failed",
				zap.String("data_source", key),
				zap.String("subject_id", s.subject),
				zap.Error(err),
			)
		}
	}
}
