package form

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/validation"
	"github.com/Tripsy/dashboard/model"
)

// Editor is one open form: its state plus a validation engine giving
// debounced, touched-aware feedback while the user edits. It is safe for
// concurrent use.
type Editor struct {
	m      *Machine
	engine *validation.Engine

	mu    sync.Mutex
	state model.FormState
}

// Edit opens an Editor for key, initialised as Init does. The data source
// must define validateForm.
func (m *Machine) Edit(ctx context.Context, key string, entity model.Entity, opts ...validation.Option) (*Editor, error) {
	state, err := m.Init(ctx, key, entity)
	if err != nil {
		return nil, err
	}
	if !m.d.Has(key, model.CapValidateForm) {
		return nil, model.NewMissingCapabilityError(key, model.CapValidateForm)
	}

	ed := &Editor{m: m, state: state}
	id := state.ID
	validate := func(values model.Values) model.ValidationResult {
		res, err := m.d.ValidateForm(context.Background(), key, values, id)
		if err != nil {
			m.logger.Warn("background validation failed", zap.String("data_source", key), zap.Error(err))
			return model.ValidationResult{Success: true}
		}
		return res
	}

	opts = append(opts, validation.WithOnErrors(ed.setErrors), validation.WithLogger(m.logger))
	ed.engine = validation.NewEngine(validate, opts...)
	ed.engine.SetValues(state.Values)
	return ed, nil
}

// DataSource returns the key of the edited data source.
func (e *Editor) DataSource() string { return e.state.DataSource }

// State returns a copy of the form state.
func (e *Editor) State() model.FormState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Touched returns the fields touched so far.
func (e *Editor) Touched() []string {
	return e.engine.Touched()
}

// SetValues replaces the form values and schedules a validation pass.
func (e *Editor) SetValues(values model.Values) {
	e.mu.Lock()
	e.state.Values = values.Clone()
	e.mu.Unlock()
	e.engine.SetValues(values)
}

// Touch marks fields as touched.
func (e *Editor) Touch(fields ...string) {
	for _, f := range fields {
		e.engine.MarkFieldTouched(f)
	}
}

// Flush runs a pending validation pass now.
func (e *Editor) Flush() {
	e.engine.Flush()
}

// Submit submits the form. A nil payload submits the current values. After
// a failed submit the engine validates the submitted values with every
// field shown.
func (e *Editor) Submit(ctx context.Context, payload map[string]any, sig Signals) (model.FormState, error) {
	state := e.State()
	if payload == nil {
		payload = map[string]any(state.Values.Clone())
	}

	next, err := e.m.Submit(ctx, state, payload, sig)
	if err != nil {
		e.engine.SetSubmitted()
		return state, err
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()

	if next.Situation == model.SituationSuccess {
		e.engine.Reset()
		e.engine.SetValues(next.Values)
		return next.Clone(), nil
	}
	// SetValues clears the submitted flag, so it goes first.
	e.engine.SetValues(next.Values)
	e.engine.SetSubmitted()
	return next.Clone(), nil
}

// Close stops background validation.
func (e *Editor) Close() {
	e.engine.Stop()
}

func (e *Editor) setErrors(errs model.FieldErrors) {
	e.mu.Lock()
	e.state.Errors = errs
	e.mu.Unlock()
}
