// Package table holds the per-data-source table state: pagination, sort and
// filters, row selection, and the modal/action sub-state. It also owns the
// persistence of that state and the cancellable fetch orchestration.
package table

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/debounce"
	"github.com/Tripsy/dashboard/internal/events"
	"github.com/Tripsy/dashboard/model"
)

var (
	// ErrNoActionEntry is returned when an action needing a single target
	// is opened before an action entry was set.
	ErrNoActionEntry = errors.New("table: action entry not set")
	// ErrUnknownAction is returned when opening an action the data source
	// does not declare.
	ErrUnknownAction = errors.New("table: unknown action")
	// ErrInvalidPatch is returned for a table state patch with a
	// non-positive page size or a negative offset.
	ErrInvalidPatch = errors.New("table: invalid state patch")
)

// DefaultRowHookDebounce is the quiet period before row-select hooks fire.
const DefaultRowHookDebounce = 300 * time.Millisecond

// RowHooks receives selection changes. *dispatch.Dispatcher implements it.
type RowHooks interface {
	Has(key, capability string) bool
	RowSelect(ctx context.Context, key string, entries []model.Entity) error
	RowUnselect(ctx context.Context, key string, entries []model.Entity) error
}

// Option configures a Store.
type Option func(*Store)

// WithRowHooks enables debounced onRowSelect/onRowUnselect notifications.
func WithRowHooks(hooks RowHooks, wait time.Duration) Option {
	return func(s *Store) {
		s.hooks = hooks
		s.hookWait = wait
	}
}

// WithPersister stores the persisted subset under scope, usually the
// subject id.
func WithPersister(p Persister, scope string) Option {
	return func(s *Store) {
		s.persister = p
		s.scope = scope
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is the table state of one data source. It is safe for concurrent
// use.
type Store struct {
	key      string
	defaults model.TableState
	actions  map[string]model.ActionDescriptor

	hooks     RowHooks
	hookWait  time.Duration
	hookTimer *debounce.Debouncer
	persister Persister
	scope     string
	logger    *zap.Logger

	mu       sync.Mutex
	state    model.TableState
	selected []model.Entity
	notified []model.Entity
	modal    model.ModalState

	// version counts changes to the persisted subset; saved is the version
	// last written to the persister.
	version uint64
	saved   uint64
}

// NewStore creates a Store initialised with cfg's default table state.
func NewStore(cfg model.DataSourceConfig, opts ...Option) *Store {
	s := &Store{
		key:      cfg.Key,
		defaults: cfg.DefaultTableState.Clone(),
		actions:  cfg.Actions,
		hookWait: DefaultRowHookDebounce,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = s.defaults.Clone()
	s.state.ReloadTrigger = 0
	if s.hooks != nil {
		s.hookTimer = debounce.New(s.hookWait, s.fireRowHooks)
	}
	return s
}

// Key returns the data-source key.
func (s *Store) Key() string { return s.key }

// TableState returns a copy of the current table state.
func (s *Store) TableState() model.TableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// SelectedEntries returns a copy of the selection.
func (s *Store) SelectedEntries() []model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Entity(nil), s.selected...)
}

// Modal returns the modal sub-state.
func (s *Store) Modal() model.ModalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modal
}

// Snapshot returns a consistent copy of the whole store.
func (s *Store) Snapshot() model.TableSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.TableSnapshot{
		DataSource:      s.key,
		TableState:      s.state.Clone(),
		SelectedEntries: append([]model.Entity{}, s.selected...),
		Modal:           s.modal,
	}
}

// UpdateTableState shallow-merges patch into the state. A nil Filters map
// keeps the current filters. Changing filters returns to the first page;
// changing filters, page or sort clears the selection.
func (s *Store) UpdateTableState(patch model.TableStatePatch) (model.TableState, error) {
	if patch.Rows != nil && *patch.Rows <= 0 {
		return model.TableState{}, fmt.Errorf("%w: rows must be positive", ErrInvalidPatch)
	}
	if patch.First != nil && *patch.First < 0 {
		return model.TableState{}, fmt.Errorf("%w: first must not be negative", ErrInvalidPatch)
	}

	s.mu.Lock()
	old := s.state
	next := s.state.Clone()
	if patch.First != nil {
		next.First = *patch.First
	}
	if patch.Rows != nil {
		next.Rows = *patch.Rows
	}
	if patch.SortField != nil {
		next.SortField = *patch.SortField
	}
	if patch.SortOrder != nil {
		next.SortOrder = *patch.SortOrder
	}
	if patch.Filters != nil {
		next.Filters = patch.Filters.Clone()
	}

	filtersChanged := !next.Filters.Equal(old.Filters)
	if filtersChanged {
		next.First = 0
	}
	pageChanged := next.First != old.First || next.Rows != old.Rows
	sortChanged := next.SortField != old.SortField || next.SortOrder != old.SortOrder

	s.state = next
	cleared := false
	if filtersChanged || pageChanged || sortChanged {
		cleared = s.clearSelectionLocked()
	}
	s.version++
	out := s.state.Clone()
	s.mu.Unlock()

	if cleared {
		s.scheduleRowHooks()
	}
	return out, nil
}

// Refresh bumps the reload trigger, forcing a re-fetch with unchanged query
// parameters.
func (s *Store) Refresh() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ReloadTrigger++
	return s.state.ReloadTrigger
}

// ResetFilters restores the default filters, returns to the first page and
// clears the selection.
func (s *Store) ResetFilters() {
	s.mu.Lock()
	s.state.Filters = s.defaults.Filters.Clone()
	s.state.First = 0
	cleared := s.clearSelectionLocked()
	s.version++
	s.mu.Unlock()
	if cleared {
		s.scheduleRowHooks()
	}
}

// SetSelectedEntries replaces the selection.
func (s *Store) SetSelectedEntries(entries []model.Entity) {
	s.mu.Lock()
	s.selected = append([]model.Entity(nil), entries...)
	s.version++
	s.mu.Unlock()
	s.scheduleRowHooks()
}

// ClearSelectedEntries empties the selection.
func (s *Store) ClearSelectedEntries() {
	s.mu.Lock()
	cleared := s.clearSelectionLocked()
	s.mu.Unlock()
	if cleared {
		s.scheduleRowHooks()
	}
}

func (s *Store) clearSelectionLocked() bool {
	if len(s.selected) == 0 {
		return false
	}
	s.selected = nil
	s.version++
	return true
}

// SetActionEntry sets the single entity the next action targets.
func (s *Store) SetActionEntry(entry model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modal.ActionEntry = entry
}

// OpenCreate opens the create form.
func (s *Store) OpenCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modal.IsOpen = true
	s.modal.ActionName = model.ActionCreate
}

// OpenUpdate opens the update form for the current action entry.
func (s *Store) OpenUpdate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modal.ActionEntry == nil {
		return ErrNoActionEntry
	}
	s.modal.IsOpen = true
	s.modal.ActionName = model.ActionUpdate
	return nil
}

// OpenAction opens the named action. Actions accepting a single entry
// require the action entry to be set first.
func (s *Store) OpenAction(name string) error {
	switch name {
	case model.ActionCreate:
		s.OpenCreate()
		return nil
	case model.ActionUpdate:
		return s.OpenUpdate()
	}

	action, ok := s.actions[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if action.AllowedEntries == model.EntriesSingle && s.modal.ActionEntry == nil {
		return ErrNoActionEntry
	}
	s.modal.IsOpen = true
	s.modal.ActionName = name
	return nil
}

// CloseOut closes the modal and clears the action name and entry together.
// It is the only way the action entry is cleared.
func (s *Store) CloseOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modal = model.ModalState{}
}

// Subscribe reacts to bus events addressed to this store's data source.
// The returned function unsubscribes.
func (s *Store) Subscribe(bus *events.Bus) (unsubscribe func()) {
	offReset := bus.OnFiltersReset(func(e events.FiltersReset) {
		if e.Source == s.key {
			s.ResetFilters()
		}
	})
	offAction := bus.OnActionRequested(func(e events.ActionRequested) {
		if e.Source != s.key {
			return
		}
		if e.Entry != nil {
			s.SetActionEntry(e.Entry)
		}
		if err := s.OpenAction(e.ActionName); err != nil {
			s.logger.Warn("requested action could not be opened",
				zap.String("data_source", s.key),
				zap.String("action", e.ActionName),
				zap.Error(err),
			)
		}
	})
	return func() {
		offReset()
		offAction()
	}
}

// Persist saves the table state and selection. Without a persister it is a
// no-op.
func (s *Store) Persist(ctx context.Context) error {
	_, err := s.persist(ctx, true)
	return err
}

// PersistIfChanged saves the table state and selection when they changed
// since the last save or restore, and reports whether it wrote.
func (s *Store) PersistIfChanged(ctx context.Context) (bool, error) {
	return s.persist(ctx, false)
}

func (s *Store) persist(ctx context.Context, force bool) (bool, error) {
	if s.persister == nil {
		return false, nil
	}
	s.mu.Lock()
	if !force && s.version == s.saved {
		s.mu.Unlock()
		return false, nil
	}
	version := s.version
	snapshot := model.PersistedTableState{
		TableState:      s.state.Clone(),
		SelectedEntries: append([]model.Entity{}, s.selected...),
	}
	s.mu.Unlock()
	snapshot.TableState.ReloadTrigger = 0

	if err := s.persister.Save(ctx, s.scope, StorageName(s.key), snapshot); err != nil {
		return false, err
	}
	s.mu.Lock()
	if version > s.saved {
		s.saved = version
	}
	s.mu.Unlock()
	return true, nil
}

// Restore loads previously persisted state. It reports whether any was
// found.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}
	saved, found, err := s.persister.Load(ctx, s.scope, StorageName(s.key))
	if err != nil || !found {
		return false, err
	}
	if saved.TableState.Rows <= 0 {
		saved.TableState.Rows = s.defaults.Rows
	}

	s.mu.Lock()
	trigger := s.state.ReloadTrigger
	s.state = saved.TableState.Clone()
	s.state.ReloadTrigger = trigger
	if s.state.Filters == nil {
		s.state.Filters = s.defaults.Filters.Clone()
	}
	s.selected = append([]model.Entity(nil), saved.SelectedEntries...)
	s.notified = append([]model.Entity(nil), saved.SelectedEntries...)
	s.saved = s.version
	s.mu.Unlock()
	return true, nil
}

// Close stops pending row hooks.
func (s *Store) Close() {
	if s.hookTimer != nil {
		s.hookTimer.Stop()
	}
}

// FlushRowHooks runs pending row hooks immediately.
func (s *Store) FlushRowHooks() {
	if s.hookTimer != nil {
		s.hookTimer.Flush()
	}
}

func (s *Store) scheduleRowHooks() {
	if s.hookTimer != nil {
		s.hookTimer.Trigger()
	}
}

// fireRowHooks diffs the selection against the last notified one, so a
// transient select-then-unselect within the debounce window fires nothing.
func (s *Store) fireRowHooks() {
	s.mu.Lock()
	added := diffEntities(s.selected, s.notified)
	removed := diffEntities(s.notified, s.selected)
	s.notified = append([]model.Entity(nil), s.selected...)
	s.mu.Unlock()

	ctx := context.Background()
	if len(added) > 0 && s.hooks.Has(s.key, model.CapOnRowSelect) {
		if err := s.hooks.RowSelect(ctx, s.key, added); err != nil {
			s.logger.Warn("onRowSelect failed", zap.String("data_source", s.key), zap.Error(err))
		}
	}
	if len(removed) > 0 && s.hooks.Has(s.key, model.CapOnRowUnselect) {
		if err := s.hooks.RowUnselect(ctx, s.key, removed); err != nil {
			s.logger.Warn("onRowUnselect failed", zap.String("data_source", s.key), zap.Error(err))
		}
	}
}

// diffEntities returns the entries of a missing from b, compared by id.
func diffEntities(a, b []model.Entity) []model.Entity {
	seen := make(map[string]bool, len(b))
	for _, e := range b {
		seen[entityKey(e)] = true
	}
	var out []model.Entity
	for _, e := range a {
		if !seen[entityKey(e)] {
			out = append(out, e)
		}
	}
	return out
}

func entityKey(e model.Entity) string {
	if id, ok := e.ID(); ok {
		return strconv.FormatInt(id, 10)
	}
	return fmt.Sprint(map[string]any(e))
}
