// Package dispatch looks up data-source capabilities in the registry and
// invokes them. An absent capability is reported as a
// *model.MissingCapabilityError, never as a silent no-op, so callers can
// tell wiring bugs apart from failures raised by the capability itself.
package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/model"
)

const tracerName = "github.com/Tripsy/dashboard/internal/dispatch"

// Outcome classifies a dispatch for observers.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeMissing Outcome = "missing"
	OutcomeError   Outcome = "error"
)

// Event describes one dispatch.
type Event struct {
	DataSource string        `json:"data_source"`
	Capability string        `json:"capability"`
	Outcome    Outcome       `json:"outcome"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Observer receives an Event after every dispatch.
type Observer interface {
	OnDispatch(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

// OnDispatch calls f(ctx, event).
func (f ObserverFunc) OnDispatch(ctx context.Context, event Event) { f(ctx, event) }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver adds a dispatch observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// WithLogger sets the logger used for missing capabilities.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher invokes registered data-source capabilities. Results and errors
// are returned exactly as the capability produced them.
type Dispatcher struct {
	registry  *datasource.Registry
	observers []Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a Dispatcher over reg.
func New(reg *datasource.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *datasource.Registry {
	return d.registry
}

// Has reports whether key defines capability. Besides the function names,
// capability may be "create", "update" or the name of any action.
func (d *Dispatcher) Has(key, capability string) bool {
	cfg, ok := d.registry.Config(key)
	if !ok {
		return false
	}
	if cfg.Functions.Has(capability) {
		return true
	}
	action, ok := cfg.Action(capability)
	if !ok {
		return false
	}
	if capability == model.ActionCreate || capability == model.ActionUpdate {
		return action.Submit != nil
	}
	return action.Run != nil
}

// Find loads one page of entries.
func (d *Dispatcher) Find(ctx context.Context, key string, params model.FindParams) (model.FindResult, error) {
	fns, _ := d.registry.Functions(key)
	return invoke(ctx, d, key, model.CapFind, fns.Find != nil, func(ctx context.Context) (model.FindResult, error) {
		return fns.Find(ctx, params)
	})
}

// GetFormValues extracts form values from a raw payload.
func (d *Dispatcher) GetFormValues(ctx context.Context, key string, payload map[string]any) (model.Values, error) {
	fns, _ := d.registry.Functions(key)
	return invoke(ctx, d, key, model.CapGetFormValues, fns.GetFormValues != nil, func(context.Context) (model.Values, error) {
		return fns.GetFormValues(payload), nil
	})
}

// ValidateForm validates values. A failed validation is a result, not an
// error.
func (d *Dispatcher) ValidateForm(ctx context.Context, key string, values model.Values, id *int64) (model.ValidationResult, error) {
	fns, _ := d.registry.Functions(key)
	return invoke(ctx, d, key, model.CapValidateForm, fns.ValidateForm != nil, func(context.Context) (model.ValidationResult, error) {
		return fns.ValidateForm(values, id), nil
	})
}

// SyncFormState projects entity onto a form template.
func (d *Dispatcher) SyncFormState(ctx context.Context, key string, state model.FormState, entity model.Entity) (model.FormState, error) {
	fns, _ := d.registry.Functions(key)
	return invoke(ctx, d, key, model.CapSyncFormState, fns.SyncFormState != nil, func(context.Context) (model.FormState, error) {
		return fns.SyncFormState(state, entity), nil
	})
}

// DisplayActionEntries labels entries for a confirmation dialog.
func (d *Dispatcher) DisplayActionEntries(ctx context.Context, key string, entries []model.Entity) ([]model.EntryLabel, error) {
	fns, _ := d.registry.Functions(key)
	return invoke(ctx, d, key, model.CapDisplayActionEntries, fns.DisplayActionEntries != nil, func(context.Context) ([]model.EntryLabel, error) {
		return fns.DisplayActionEntries(entries), nil
	})
}

// Create submits values to the data source's create action.
func (d *Dispatcher) Create(ctx context.Context, key string, values model.Values) (model.SubmitResult, error) {
	action, _ := d.registry.Action(key, model.ActionCreate)
	return invoke(ctx, d, key, model.CapCreate, action.Submit != nil, func(ctx context.Context) (model.SubmitResult, error) {
		return action.Submit(ctx, values, nil)
	})
}

// Update submits values for entity id to the data source's update action.
func (d *Dispatcher) Update(ctx context.Context, key string, values model.Values, id int64) (model.SubmitResult, error) {
	action, _ := d.registry.Action(key, model.ActionUpdate)
	return invoke(ctx, d, key, model.CapUpdate, action.Submit != nil, func(ctx context.Context) (model.SubmitResult, error) {
		return action.Submit(ctx, values, &id)
	})
}

// RunAction runs the named action against ids.
func (d *Dispatcher) RunAction(ctx context.Context, key, name string, ids []int64) (model.SubmitResult, error) {
	action, _ := d.registry.Action(key, name)
	return invoke(ctx, d, key, name, action.Run != nil, func(ctx context.Context) (model.SubmitResult, error) {
		return action.Run(ctx, ids)
	})
}

// RowSelect notifies the data source about newly selected rows.
func (d *Dispatcher) RowSelect(ctx context.Context, key string, entries []model.Entity) error {
	fns, _ := d.registry.Functions(key)
	_, err := invoke(ctx, d, key, model.CapOnRowSelect, fns.OnRowSelect != nil, func(context.Context) (struct{}, error) {
		fns.OnRowSelect(entries)
		return struct{}{}, nil
	})
	return err
}

// RowUnselect notifies the data source about rows leaving the selection.
func (d *Dispatcher) RowUnselect(ctx context.Context, key string, entries []model.Entity) error {
	fns, _ := d.registry.Functions(key)
	_, err := invoke(ctx, d, key, model.CapOnRowUnselect, fns.OnRowUnselect != nil, func(context.Context) (struct{}, error) {
		fns.OnRowUnselect(entries)
		return struct{}{}, nil
	})
	return err
}

// invoke runs fn when present is true and reports a missing capability
// otherwise. Unknown keys arrive here with present == false.
func invoke[T any](ctx context.Context, d *Dispatcher, key, capability string, present bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	if !present {
		err := model.NewMissingCapabilityError(key, capability)
		d.logger.Warn("missing data-source capability",
			zap.String("data_source", key),
			zap.String("capability", capability),
		)
		d.notify(ctx, Event{DataSource: key, Capability: capability, Outcome: OutcomeMissing, Error: err.Error()})
		return zero, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch."+capability, trace.WithAttributes(
		attribute.String("dashboard.data_source", key),
		attribute.String("dashboard.capability", capability),
	))
	defer span.End()

	result, err := fn(ctx)

	event := Event{DataSource: key, Capability: capability, Outcome: OutcomeOK, Duration: time.Since(start)}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		event.Outcome = OutcomeError
		event.Error = err.Error()
	}
	d.notify(ctx, event)

	return result, err
}

func (d *Dispatcher) notify(ctx context.Context, event Event) {
	for _, obs := range d.observers {
		obs.OnDispatch(ctx, event)
	}
}
