// Package form implements the form state machine of a data source: building
// the initial state from the template or an existing entity, and the submit
// pipeline that extracts, validates and persists values.
package form

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/internal/dispatch"
	"github.com/Tripsy/dashboard/internal/events"
	"github.com/Tripsy/dashboard/internal/observability"
	"github.com/Tripsy/dashboard/internal/validation"
	"github.com/Tripsy/dashboard/model"
)

const tracerName = "github.com/Tripsy/dashboard/internal/form"

// Submission modes.
const (
	ModeCreate = "create"
	ModeUpdate = "update"
)

// Refresher is the part of a table store the machine signals after a
// successful submit.
type Refresher interface {
	Refresh() int
}

// Signals are the collaborators notified after a successful submit. Both
// fields are optional.
type Signals struct {
	Table Refresher
	Bus   *events.Bus
}

// SubmissionObserver is notified when a submission ends.
type SubmissionObserver func(dataSource, mode string, situation model.Situation)

// MessagesFunc returns the user-facing messages of a locale.
type MessagesFunc func(locale string) config.MessagesConfig

// Option configures a Machine.
type Option func(*Machine)

// WithMessages sets the message catalogue.
func WithMessages(fn MessagesFunc) Option {
	return func(m *Machine) { m.messages = fn }
}

// WithSubmissionObserver registers a SubmissionObserver.
func WithSubmissionObserver(fn SubmissionObserver) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithLogger sets the machine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// Machine runs form lifecycles through a dispatcher. It holds no per-form
// state and is safe for concurrent use.
type Machine struct {
	d        *dispatch.Dispatcher
	messages MessagesFunc
	observer SubmissionObserver
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewMachine creates a Machine.
func NewMachine(d *dispatch.Dispatcher, opts ...Option) *Machine {
	m := &Machine{
		d:        d,
		messages: func(string) config.MessagesConfig { return config.DefaultMessages() },
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatcher returns the machine's dispatcher.
func (m *Machine) Dispatcher() *dispatch.Dispatcher { return m.d }

// Init returns the initial form state of key. A nil entity yields a copy of
// the blank template; otherwise the template is filled by syncFormState and
// the form edits the entity. A data source without a form template reports
// a missing "formState" capability.
func (m *Machine) Init(ctx context.Context, key string, entity model.Entity) (model.FormState, error) {
	tpl, ok := m.d.Registry().FormTemplate(key)
	if !ok {
		return model.FormState{}, model.NewMissingCapabilityError(key, model.CapFormState)
	}
	tpl.DataSource = key
	if entity == nil {
		return tpl, nil
	}

	state, err := m.d.SyncFormState(ctx, key, tpl, entity)
	if err != nil {
		return model.FormState{}, err
	}
	state.DataSource = key
	if state.ID == nil {
		if id, ok := entity.ID(); ok {
			state.ID = &id
		}
	}
	if state.Errors == nil {
		state.Errors = model.FieldErrors{}
	}
	return state, nil
}

// Submit runs the submit pipeline for state. Missing getFormValues or
// validateForm capabilities are returned as errors; every other outcome is
// reported through the returned state's Situation.
func (m *Machine) Submit(ctx context.Context, state model.FormState, payload map[string]any, sig Signals) (model.FormState, error) {
	key := state.DataSource
	mode := ModeCreate
	if state.IsUpdate() {
		mode = ModeUpdate
	}
	msgs := m.messages(model.RequestContextFrom(ctx).Language())
	logger := m.logger.With(zap.String("data_source", key), zap.String("mode", mode))

	ctx, span := m.tracer.Start(ctx, "form.submit", trace.WithAttributes(
		attribute.String("dashboard.data_source", key),
		attribute.String("dashboard.form_mode", mode),
	))
	defer span.End()

	next := state.Clone()
	next.Message = nil
	next.ResultData = nil

	if ce := logger.Check(zap.DebugLevel, "form payload"); ce != nil {
		cfg, _ := m.d.Registry().Config(key)
		ce.Write(zap.Any("payload", observability.RedactBody(payload, cfg.SensitiveFields)))
	}

	values, err := m.d.GetFormValues(ctx, key, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}

	validated, err := m.d.ValidateForm(ctx, key, values, state.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	if !validated.Success {
		next.Values = values
		next.Errors = validated.Errors.Clone()
		next.Situation = model.SituationError
		next.Message = stringPtr(msgs.ValidationFailed)
		logger.Debug("form validation failed", zap.Int("fields", len(next.Errors)))
		m.observe(key, mode, next.Situation)
		return next, nil
	}

	data := validated.Data
	if data == nil {
		data = values
	}

	var result model.SubmitResult
	if state.IsUpdate() {
		result, err = m.d.Update(ctx, key, data, *state.ID)
	} else {
		result, err = m.d.Create(ctx, key, data)
	}

	next.Values = data
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		next.Situation = model.SituationError
		next.Message = stringPtr(m.failureMessage(err, mode, msgs))
		logger.Warn("form submit failed", zap.Error(err))
	case !result.Success:
		next.Situation = model.SituationError
		next.Message = stringPtr(orDefault(result.Message, msgs.SubmitFailed))
		next.ResultData = result.Data
	default:
		next.Situation = model.SituationSuccess
		next.Errors = model.FieldErrors{}
		if result.Message != "" {
			next.Message = stringPtr(result.Message)
		}
		next.ResultData = result.Data
		if sig.Table != nil {
			sig.Table.Refresh()
		}
		if mode == ModeCreate && sig.Bus != nil {
			sig.Bus.PublishFiltersReset(events.FiltersReset{Source: key})
		}
		logger.Info("form submitted")
	}

	m.observe(key, mode, next.Situation)
	return next, nil
}

// Validate runs validateForm over the state's values and merges the result
// into its errors: all fields once submitted, only touched fields before.
func (m *Machine) Validate(ctx context.Context, state model.FormState, touched []string, submitted bool) (model.FieldErrors, error) {
	if len(touched) == 0 && !submitted {
		return state.Errors.Clone(), nil
	}
	result, err := m.d.ValidateForm(ctx, state.DataSource, state.Values, state.ID)
	if err != nil {
		return nil, err
	}
	return validation.Merge(state.Errors, result, touched, submitted), nil
}

func (m *Machine) failureMessage(err error, mode string, msgs config.MessagesConfig) string {
	if model.IsMissingCapability(err) {
		if mode == ModeUpdate {
			return msgs.UpdateMissing
		}
		return msgs.CreateMissing
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Message != "" {
		return env.Message
	}
	return msgs.SubmitFailed
}

func (m *Machine) observe(key, mode string, situation model.Situation) {
	if m.observer != nil {
		m.observer(key, mode, situation)
	}
}

func stringPtr(s string) *string { return &s }

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
