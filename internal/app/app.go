// Package app wires the data-source engine, its persistence, identity and
// HTTP surface into a runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/backend"
	"github.com/Tripsy/dashboard/internal/capability"
	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/dispatch"
	"github.com/Tripsy/dashboard/internal/form"
	"github.com/Tripsy/dashboard/internal/observability"
	"github.com/Tripsy/dashboard/internal/openapi"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/internal/table"
	"github.com/Tripsy/dashboard/internal/transport"
	"github.com/Tripsy/dashboard/internal/validation"
	"github.com/Tripsy/dashboard/model"
)

// Option configures New.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	metrics      *observability.Metrics
	bindings     map[string]datasource.Bindings
	authenticate func(http.Handler) http.Handler
	httpClient   *http.Client
}

// WithLogger sets the application logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics reports engine, backend and HTTP telemetry to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBindings supplies the Go functions of the data source key. They take
// precedence over the definition's backend section.
func WithBindings(key string, b datasource.Bindings) Option {
	return func(o *options) {
		if o.bindings == nil {
			o.bindings = make(map[string]datasource.Bindings)
		}
		o.bindings[key] = b
	}
}

// WithAuthenticator replaces the bearer-token middleware built from the
// identity config.
func WithAuthenticator(mw func(http.Handler) http.Handler) Option {
	return func(o *options) { o.authenticate = mw }
}

// WithHTTPClient sets the client backend services are called with.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// App is a fully wired dashboard instance.
type App struct {
	Config       *config.Config
	Registry     *datasource.Registry
	Clients      map[string]*backend.Client
	Dispatcher   *dispatch.Dispatcher
	Forms        *form.Machine
	Actions      *action.Runner
	Sessions     *session.Manager
	Capabilities *capability.Resolver
	Persister    table.Persister
	Handler      http.Handler

	logger  *zap.Logger
	closers []func()
}

// New builds an App from cfg. Definitions are loaded and bound, the table
// persister is connected and the router is assembled.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	m := o.metrics
	a := &App{Config: cfg, logger: o.logger}

	// Backend clients.
	clientOpts := []backend.ClientOption{backend.WithLogger(o.logger)}
	if m != nil {
		clientOpts = append(clientOpts, backend.WithObserver(backendMetrics{m}))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, backend.WithHTTPClient(o.httpClient))
	}
	a.Clients = backend.NewClients(cfg.Services, clientOpts...)

	// Definitions and registry.
	contracts, err := loadContracts(cfg.Services)
	if err != nil {
		return nil, err
	}
	reg, err := loadRegistry(cfg.Definitions, a.Clients, contracts, o.bindings)
	if err != nil {
		return nil, err
	}
	a.Registry = reg
	o.logger.Info("data sources loaded", zap.Strings("keys", reg.Keys()), zap.String("checksum", reg.Checksum()))
	if m != nil {
		m.SetDataSourcesLoaded(reg.Len())
	}

	// Table-state persistence.
	persister, closer, err := buildPersister(ctx, cfg.Persistence, o.logger)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	if m != nil {
		persister = table.Instrument(persister, m.RecordPersistenceOp)
	}
	a.Persister = persister

	// Engine.
	dispatchOpts := []dispatch.Option{dispatch.WithLogger(o.logger)}
	if m != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(dispatch.ObserverFunc(func(_ context.Context, e dispatch.Event) {
			m.RecordDispatch(e.DataSource, e.Capability, string(e.Outcome), e.Duration)
		})))
	}
	a.Dispatcher = dispatch.New(reg, dispatchOpts...)

	formOpts := []form.Option{form.WithMessages(cfg.MessagesFor), form.WithLogger(o.logger)}
	actionOpts := []action.Option{action.WithMessages(cfg.MessagesFor), action.WithLogger(o.logger)}
	sessionOpts := []session.Option{
		session.WithPersister(persister),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
		session.WithRowHookDebounce(cfg.Engine.RowSelectDebounce),
		session.WithValidationDebounce(cfg.Engine.ValidationDebounce),
		session.WithFetchTimeout(cfg.Engine.FetchTimeout),
		session.WithLogger(o.logger),
	}
	if m != nil {
		formOpts = append(formOpts, form.WithSubmissionObserver(func(key, mode string, s model.Situation) {
			m.RecordFormSubmission(key, mode, string(s))
		}))
		actionOpts = append(actionOpts, action.WithRunObserver(func(key, name string, s model.Situation) {
			m.RecordActionRun(key, name, string(s))
		}))
		sessionOpts = append(sessionOpts,
			session.WithFetchObserver(m.RecordTableFetch),
			session.WithValidationPassObserver(m.RecordValidationPass),
			session.WithActiveObserver(m.SetSessionsActive),
		)
	}
	a.Forms = form.NewMachine(a.Dispatcher, formOpts...)
	a.Actions = action.NewRunner(a.Dispatcher, actionOpts...)
	a.Sessions = session.NewManager(a.Dispatcher, a.Forms, sessionOpts...)

	// Capabilities.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("static policy: %w", err)
	}
	var capOpts []capability.Option
	if m != nil {
		capOpts = append(capOpts, capability.WithCacheObserver(cacheMetrics{m}))
	}
	a.Capabilities = capability.NewResolver(evaluator, cfg.Capability.CacheTTL, capOpts...)

	// Identity.
	authenticate := o.authenticate
	if authenticate == nil {
		keyfunc, err := transport.NewKeyfunc(cfg.Identity)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("identity: %w", err)
		}
		authenticate = transport.JWTAuthenticator(cfg.Identity, keyfunc)
	}

	readiness := observability.ReadinessChecks{
		DataSourcesLoaded: func() bool { return reg.Len() > 0 },
		PolicyEngine:      evaluator,
	}
	if hc, ok := persister.(observability.HealthChecker); ok {
		readiness.PersistenceStore = hc
	}
	if len(a.Clients) > 0 {
		readiness.Backends = make(map[string]observability.HealthChecker, len(a.Clients))
		for id, c := range a.Clients {
			readiness.Backends[id] = c
		}
	}

	a.Handler = transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             o.logger,
		Authenticate:       authenticate,
		CapabilityResolver: a.Capabilities,
		Registry:           reg,
		Sessions:           a.Sessions,
		Forms:              a.Forms,
		Actions:            a.Actions,
		Metrics:            m,
		Readiness:          readiness,
	})

	return a, nil
}

// Run performs background maintenance until ctx is done: idle sessions are
// swept and, for PostgreSQL, expired table state is purged.
func (a *App) Run(ctx context.Context) {
	if pg, ok := unwrapPersister(a.Persister).(*table.PgPersister); ok {
		go purgeExpired(ctx, pg, a.Config.Sessions.SweepInterval, a.logger)
	}
	a.Sessions.Run(ctx, a.Config.Sessions.SweepInterval)
}

// Close persists and closes every session, then releases connections.
func (a *App) Close(ctx context.Context) {
	a.Sessions.Close(ctx)
	a.closeAll()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadContracts indexes the OpenAPI documents of the services that name
// one.
func loadContracts(services map[string]config.ServiceConfig) (*openapi.Index, error) {
	var specs []openapi.SpecSource
	for _, id := range slices.Sorted(maps.Keys(services)) {
		if path := services[id].SpecPath; path != "" {
			specs = append(specs, openapi.SpecSource{ServiceID: id, SpecPath: path})
		}
	}
	idx := openapi.NewIndex()
	if err := idx.Load(specs); err != nil {
		return nil, fmt.Errorf("loading service contracts: %w", err)
	}
	return idx, nil
}

// loadRegistry loads every definition and binds its functions: explicit Go
// bindings first, then the backend section, checked against the service
// contract. A form schema supplies validateForm when nothing else does.
func loadRegistry(cfg config.DefinitionsConfig, clients map[string]*backend.Client, contracts *openapi.Index, bindings map[string]datasource.Bindings) (*datasource.Registry, error) {
	defs, err := datasource.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}

	reg := datasource.NewRegistry()
	for _, def := range defs {
		b, ok := bindings[def.Key]
		if !ok && def.Backend != nil {
			b, err = backend.Bind(def, clients[def.Backend.Service])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", def.SourceFile, err)
			}
			if err := backend.CheckContract(def, contracts); err != nil {
				return nil, fmt.Errorf("%s: %w", def.SourceFile, err)
			}
		}
		if def.Form != nil && def.Form.Schema != nil && b.Functions.ValidateForm == nil {
			validate, err := validation.SchemaValidator(def.Form.Schema)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", def.SourceFile, err)
			}
			b.Functions.ValidateForm = validate
		}
		if err := reg.RegisterDefinition(def, b); err != nil {
			return nil, fmt.Errorf("%s: %w", def.SourceFile, err)
		}
	}
	return reg, nil
}

// buildPersister creates the table-state persister of the configured
// driver. The returned closer, if any, releases its connections.
func buildPersister(ctx context.Context, cfg config.PersistenceConfig, logger *zap.Logger) (table.Persister, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory table state")
		return table.NewMemoryPersister(cfg.TTL), nil, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("persistence: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("persistence: redis ping: %w", err)
		}
		logger.Info("using redis table state", zap.String("addr", addr))
		return table.NewRedisPersister(client, cfg.TTL), func() { _ = client.Close() }, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("persistence: %s environment variable not set", cfg.DSNEnv)
		}
		if cfg.Migrate {
			if err := table.Migrate(dsn); err != nil {
				return nil, nil, fmt.Errorf("persistence: %w", err)
			}
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("persistence: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("persistence: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("persistence: ping: %w", err)
		}
		logger.Info("using postgres table state")
		return table.NewPgPersister(pool, cfg.TTL), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported persistence driver: %q", cfg.Driver)
	}
}

func unwrapPersister(p table.Persister) table.Persister {
	if u, ok := p.(interface{ Unwrap() table.Persister }); ok {
		return u.Unwrap()
	}
	return p
}

func purgeExpired(ctx context.Context, pg *table.PgPersister, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.DeleteExpired(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				logger.Error("purging expired table state failed", zap.Error(err))
			case n > 0:
				logger.Debug("purged expired table state", zap.Int64("rows", n))
			}
		}
	}
}

type backendMetrics struct{ m *observability.Metrics }

func (b backendMetrics) Request(serviceID, operation string, status int, d time.Duration) {
	b.m.RecordBackendRequest(serviceID, operation, status, d)
}

func (b backendMetrics) Retry(serviceID string) { b.m.RecordBackendRetry(serviceID) }

func (b backendMetrics) BreakerState(serviceID string, s backend.BreakerState) {
	b.m.SetBackendCircuitBreakerState(serviceID, float64(s))
}

type cacheMetrics struct{ m *observability.Metrics }

func (c cacheMetrics) CacheHit()  { c.m.RecordCapabilityCacheHit() }
func (c cacheMetrics) CacheMiss() { c.m.RecordCapabilityCacheMiss() }
