// Package action resolves the action buttons of a data source for the
// current user and selection, and runs named actions.
package action

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/internal/dispatch"
	"github.com/Tripsy/dashboard/model"
)

// ErrNoTarget is returned when an action that needs entries has none to
// act on.
var ErrNoTarget = errors.New("action: no eligible entries")

// Target is the table state an action reads its entries from and signals
// after success. *table.Store implements it.
type Target interface {
	Modal() model.ModalState
	SelectedEntries() []model.Entity
	Refresh() int
	CloseOut()
}

// RunObserver is notified after every action run.
type RunObserver func(dataSource, action string, situation model.Situation)

// Option configures a Runner.
type Option func(*Runner)

// WithMessages sets the message catalogue.
func WithMessages(fn func(locale string) config.MessagesConfig) Option {
	return func(r *Runner) { r.messages = fn }
}

// WithRunObserver registers a RunObserver.
func WithRunObserver(fn RunObserver) Option {
	return func(r *Runner) { r.observer = fn }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// Runner resolves and runs data-source actions.
type Runner struct {
	d        *dispatch.Dispatcher
	messages func(locale string) config.MessagesConfig
	observer RunObserver
	logger   *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(d *dispatch.Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		d:        d,
		messages: func(string) config.MessagesConfig { return config.DefaultMessages() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var positionOrder = map[model.ActionPosition]int{
	model.PositionLeft:  0,
	model.PositionRight: 1,
}

// Resolve returns the toolbar buttons of key: actions the user may run,
// minus hidden ones, ordered left before right and by name. A button is
// enabled when the selection satisfies its allowed entries and every
// selected entry passes its custom check.
func (r *Runner) Resolve(caps model.CapabilitySet, key string, selected []model.Entity) []model.ActionButton {
	actions, _ := r.d.Registry().Actions(key)

	buttons := []model.ActionButton{}
	for name, a := range actions {
		if a.Position == model.PositionHidden || !caps.Has(a.Permission) {
			continue
		}
		buttons = append(buttons, button(name, a, enabled(a, selected)))
	}
	slices.SortFunc(buttons, func(x, y model.ActionButton) int {
		if c := cmp.Compare(positionOrder[x.Position], positionOrder[y.Position]); c != 0 {
			return c
		}
		return cmp.Compare(x.Name, y.Name)
	})
	return buttons
}

// RowActions returns the actions applicable to a single row, hidden ones
// included: those accepting one or more entries that the user may run and
// whose custom check accepts entry.
func (r *Runner) RowActions(caps model.CapabilitySet, key string, entry model.Entity) []model.ActionButton {
	actions, _ := r.d.Registry().Actions(key)

	buttons := []model.ActionButton{}
	for name, a := range actions {
		if a.AllowedEntries == model.EntriesFree || !caps.Has(a.Permission) || !a.AcceptsEntry(entry) {
			continue
		}
		buttons = append(buttons, button(name, a, true))
	}
	slices.SortFunc(buttons, func(x, y model.ActionButton) int { return cmp.Compare(x.Name, y.Name) })
	return buttons
}

func button(name string, a model.ActionDescriptor, on bool) model.ActionButton {
	return model.ActionButton{
		Name:           name,
		Label:          a.Label,
		Mode:           a.Mode,
		AllowedEntries: a.AllowedEntries,
		Position:       a.Position,
		Confirm:        a.Confirm,
		Enabled:        on,
	}
}

func enabled(a model.ActionDescriptor, selected []model.Entity) bool {
	switch a.AllowedEntries {
	case model.EntriesSingle:
		return len(selected) == 1 && a.AcceptsEntry(selected[0])
	case model.EntriesMultiple:
		if len(selected) == 0 {
			return false
		}
		for _, e := range selected {
			if !a.AcceptsEntry(e) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Targets returns the entries the named action would run against: the
// action entry for single-entry actions, the selection for multi-entry
// actions and none for free actions. Entries failing the custom check are
// dropped.
func Targets(a model.ActionDescriptor, target Target) ([]model.Entity, error) {
	var entries []model.Entity
	switch a.AllowedEntries {
	case model.EntriesFree:
		return nil, nil
	case model.EntriesSingle:
		if entry := target.Modal().ActionEntry; entry != nil {
			entries = []model.Entity{entry}
		} else if sel := target.SelectedEntries(); len(sel) == 1 {
			entries = sel
		}
	default:
		entries = target.SelectedEntries()
	}

	eligible := entries[:0:0]
	for _, e := range entries {
		if a.AcceptsEntry(e) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoTarget
	}
	return eligible, nil
}

// Run runs the named action of key against the target's entries. Domain
// errors and unsuccessful results become an error outcome; a missing
// capability is returned as an error. On success the target is refreshed
// and its modal closed.
func (r *Runner) Run(ctx context.Context, caps model.CapabilitySet, target Target, key, name string) (model.ActionOutcome, error) {
	a, ok := r.d.Registry().Action(key, name)
	if !ok {
		return model.ActionOutcome{}, model.NewMissingCapabilityError(key, name)
	}
	if !caps.Has(a.Permission) {
		return model.ActionOutcome{}, model.NewForbiddenError("You are not allowed to run this action")
	}

	entries, err := Targets(a, target)
	if err != nil {
		return model.ActionOutcome{}, err
	}

	msgs := r.messages(model.RequestContextFrom(ctx).Language())
	logger := r.logger.With(zap.String("data_source", key), zap.String("action", name))

	result, err := r.d.RunAction(ctx, key, name, model.EntityIDs(entries))
	if err != nil && model.IsMissingCapability(err) {
		return model.ActionOutcome{}, err
	}

	var out model.ActionOutcome
	switch {
	case err != nil:
		out.Situation = model.SituationError
		if env, ok := model.AsDomainError(err); ok && env.Message != "" {
			out.Message = stringPtr(env.Message)
		} else {
			out.Message = stringPtr(msgs.ActionFailed)
			logger.Error("action failed", zap.Error(err))
		}
	case !result.Success:
		out.Situation = model.SituationError
		out.Message = stringPtr(orDefault(result.Message, msgs.ActionFailed))
		out.Data = result.Data
	default:
		out.Situation = model.SituationSuccess
		out.Message = stringPtr(orDefault(result.Message, msgs.ActionSucceeded))
		out.Data = result.Data
		target.Refresh()
		target.CloseOut()
		logger.Info("action completed", zap.Int("entries", len(entries)))
	}

	if r.observer != nil {
		r.observer(key, name, out.Situation)
	}
	return out, nil
}

// Preview labels the entries for a confirmation dialog.
func (r *Runner) Preview(ctx context.Context, key string, entries []model.Entity) ([]model.EntryLabel, error) {
	return r.d.DisplayActionEntries(ctx, key, entries)
}

func stringPtr(s string) *string { return &s }

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
