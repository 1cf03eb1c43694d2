package table

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/model"
)

// ErrSuperseded is returned by Loader.Load when a newer load started before
// this one finished. Its result is discarded.
var ErrSuperseded = errors.New("table: load superseded")

// Fetch statuses reported to a FetchObserver.
const (
	FetchOK         = "ok"
	FetchError      = "error"
	FetchSuperseded = "superseded"
)

// Finder runs a data source's find capability. *dispatch.Dispatcher
// implements it.
type Finder interface {
	Find(ctx context.Context, key string, params model.FindParams) (model.FindResult, error)
}

// FetchObserver is notified when a load attempt ends.
type FetchObserver func(dataSource, status string, duration time.Duration)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFetchTimeout bounds each load attempt.
func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// WithFetchObserver registers a FetchObserver.
func WithFetchObserver(fn FetchObserver) LoaderOption {
	return func(l *Loader) { l.observer = fn }
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// LoaderState is the outcome of the latest completed load.
type LoaderState struct {
	Loading bool           `json:"loading"`
	Entries []model.Entity `json:"entries"`
	Total   int            `json:"total"`
	Err     error          `json:"-"`
}

// Loader fetches pages for a table. Starting a load cancels the one in
// flight, and only the latest attempt may update the loader's state.
type Loader struct {
	key      string
	columns  []model.Column
	finder   Finder
	timeout  time.Duration
	observer FetchObserver
	logger   *zap.Logger

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	loading bool
	entries []model.Entity
	total   int
	err     error
}

// NewLoader creates a Loader for the data source described by cfg.
func NewLoader(cfg model.DataSourceConfig, finder Finder, opts ...LoaderOption) *Loader {
	l := &Loader{
		key:     cfg.Key,
		columns: cfg.Columns,
		finder:  finder,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches the page described by state. Errors from the find function
// are recorded and returned; a superseded attempt returns ErrSuperseded and
// leaves the state untouched.
func (l *Loader) Load(ctx context.Context, state model.TableState) (model.FindResult, error) {
	params, err := BuildFindParams(state, l.columns)
	if err != nil {
		return model.FindResult{}, err
	}

	if l.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, l.timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	l.cancel = cancel
	l.loading = true
	l.mu.Unlock()

	start := time.Now()
	res, err := l.finder.Find(ctx, l.key, params)

	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		l.observe(FetchSuperseded, start)
		l.logger.Debug("discarding superseded load", zap.String("data_source", l.key))
		return model.FindResult{}, ErrSuperseded
	}
	l.cancel = nil
	l.loading = false

	// A cancelled attempt keeps the previous page and error.
	if ctxErr := ctx.Err(); ctxErr != nil {
		l.observe(FetchError, start)
		return model.FindResult{}, ctxErr
	}
	if err != nil {
		l.err = err
		l.observe(FetchError, start)
		return model.FindResult{}, err
	}

	l.err = nil
	l.entries = res.Entries
	l.total = res.Pagination.Total
	l.observe(FetchOK, start)
	return res, nil
}

func (l *Loader) observe(status string, start time.Time) {
	if l.observer != nil {
		l.observer(l.key, status, time.Since(start))
	}
}

// State returns the loader's current state.
func (l *Loader) State() LoaderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoaderState{
		Loading: l.loading,
		Entries: append([]model.Entity(nil), l.entries...),
		Total:   l.total,
		Err:     l.err,
	}
}

// Cancel aborts the load in flight, if any.
func (l *Loader) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.gen++
	l.loading = false
}
