package validation

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/debounce"
	"github.com/Tripsy/dashboard/model"
)

// DefaultDebounce is the quiet period before a validation pass runs.
const DefaultDebounce = 800 * time.Millisecond

// ValidateFunc validates a full set of values.
type ValidateFunc func(values model.Values) model.ValidationResult

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.wait = d }
}

// WithOnErrors registers a callback receiving the error map after every
// validation pass. It runs on the timer goroutine.
func WithOnErrors(fn func(model.FieldErrors)) Option {
	return func(e *Engine) { e.onErrors = fn }
}

// WithPassObserver registers a callback told whether each pass succeeded.
func WithPassObserver(fn func(success bool)) Option {
	return func(e *Engine) { e.onPass = fn }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine tracks values, touched fields and the submitted flag of one form
// and re-validates after a debounce window whenever any of them change.
type Engine struct {
	validate ValidateFunc
	wait     time.Duration
	onErrors func(model.FieldErrors)
	onPass   func(bool)
	logger   *zap.Logger

	mu        sync.Mutex
	values    model.Values
	touched   map[string]struct{}
	submitted bool
	errors    model.FieldErrors
	passes    int
	// gen advances on every input change; a pass whose snapshot is older
	// than gen is not merged.
	gen uint64

	debouncer *debounce.Debouncer
}

// NewEngine creates an Engine around validate.
func NewEngine(validate ValidateFunc, opts ...Option) *Engine {
	e := &Engine{
		validate: validate,
		wait:     DefaultDebounce,
		logger:   zap.NewNop(),
		values:   model.Values{},
		touched:  make(map[string]struct{}),
		errors:   model.FieldErrors{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.debouncer = debounce.New(e.wait, e.run)
	return e
}

// SetValues replaces the current values. Editing after a submit attempt
// clears the submitted flag, returning to touched-only feedback.
func (e *Engine) SetValues(values model.Values) {
	e.mu.Lock()
	e.values = values.Clone()
	e.submitted = false
	e.gen++
	e.mu.Unlock()
	e.debouncer.Trigger()
}

// MarkFieldTouched adds field to the touched set. Touching a field twice
// does not schedule another pass.
func (e *Engine) MarkFieldTouched(field string) {
	e.mu.Lock()
	if _, ok := e.touched[field]; ok {
		e.mu.Unlock()
		return
	}
	e.touched[field] = struct{}{}
	e.gen++
	e.mu.Unlock()
	e.debouncer.Trigger()
}

// SetSubmitted records a submit attempt.
func (e *Engine) SetSubmitted() {
	e.mu.Lock()
	if e.submitted {
		e.mu.Unlock()
		return
	}
	e.submitted = true
	e.gen++
	e.mu.Unlock()
	e.debouncer.Trigger()
}

// Reset clears values, touched fields, the submitted flag and errors, and
// drops any pending pass.
func (e *Engine) Reset() {
	e.debouncer.Cancel()
	e.mu.Lock()
	e.values = model.Values{}
	e.touched = make(map[string]struct{})
	e.submitted = false
	e.errors = model.FieldErrors{}
	e.gen++
	e.mu.Unlock()
}

// Errors returns a copy of the current error map.
func (e *Engine) Errors() model.FieldErrors {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errors.Clone()
}

// Touched returns the touched fields in sorted order.
func (e *Engine) Touched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.touchedLocked()
}

// Submitted reports whether a submit attempt is in effect.
func (e *Engine) Submitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

// Passes returns how many validation passes have run.
func (e *Engine) Passes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passes
}

// Flush runs a pending pass synchronously.
func (e *Engine) Flush() {
	e.debouncer.Flush()
}

// Stop drops any pending pass and ignores later changes.
func (e *Engine) Stop() {
	e.debouncer.Stop()
}

func (e *Engine) touchedLocked() []string {
	fields := make([]string, 0, len(e.touched))
	for f := range e.touched {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

func (e *Engine) run() {
	e.mu.Lock()
	if len(e.touched) == 0 && !e.submitted {
		e.mu.Unlock()
		return
	}
	values := e.values.Clone()
	touched := e.touchedLocked()
	submitted := e.submitted
	gen := e.gen
	e.mu.Unlock()

	result := e.validate(values)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		e.logger.Debug("stale validation pass dropped", zap.Uint64("generation", gen))
		return
	}
	e.errors = Merge(e.errors, result, touched, submitted)
	e.passes++
	errs := e.errors.Clone()
	e.mu.Unlock()

	e.logger.Debug("validation pass",
		zap.Bool("success", result.Success),
		zap.Bool("submitted", submitted),
		zap.Strings("touched", touched),
		zap.Int("error_fields", len(errs)),
	)

	if e.onPass != nil {
		e.onPass(result.Success)
	}
	if e.onErrors != nil {
		e.onErrors(errs)
	}
}
