// Package ghostflow assembles the flow execution engine: proxy pool, identity
// broker, flow recorder, checkpointed executor, and task coordinator, behind
// one entry point.
//
// Usage:
//
//	engine, err := ghostflow.New(
//	    ghostflow.WithDriver(myDriver),
//	    ghostflow.WithConfig(cfg),
//	)
//	view, err := engine.Manager().StartTask(ctx, coordinator.Request{...})
package ghostflow

import (
	"context"
	"errors"
	"net/http"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ghostflow/ghostflow/browser"
	"github.com/ghostflow/ghostflow/config"
	"github.com/ghostflow/ghostflow/coordinator"
	"github.com/ghostflow/ghostflow/event"
	"github.com/ghostflow/ghostflow/executor"
	"github.com/ghostflow/ghostflow/flow"
	"github.com/ghostflow/ghostflow/identity"
	"github.com/ghostflow/ghostflow/internal/metrics"
	"github.com/ghostflow/ghostflow/manager"
	"github.com/ghostflow/ghostflow/proxy"
)

// ErrDriverRequired is returned by New when no browser driver was provided.
var ErrDriverRequired = errors.New("browser driver is required")

// Engine owns the wired component graph.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	ownLogger bool

	pool      *proxy.Pool
	tester    *proxy.Tester
	broker    *identity.Broker
	flows     flow.Store
	recorder  *flow.Recorder
	snapshots executor.SnapshotStore
	bus       *event.Bus
	metrics   *metrics.Collector
	exec      *executor.Executor
	coord     *coordinator.Coordinator
	mgr       *manager.Manager

	db         *gorm.DB
	redis      *redis.Client
	metricsSrv *http.Server
	stopTester context.CancelFunc
}

// Option configures the engine under construction.
type Option func(*options)

type options struct {
	cfg        *config.Config
	logger     *zap.Logger
	driver     browser.Driver
	vision     browser.VisionProvider
	flows      flow.Store
	snapshots  executor.SnapshotStore
	profiles   []identity.Fingerprint
	registerer prometheus.Registerer
	metricsOn  bool
	sinks      []event.Handler
}

// WithConfig sets the full configuration. Defaults apply otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDriver sets the browser driver. Required.
func WithDriver(driver browser.Driver) Option {
	return func(o *options) { o.driver = driver }
}

// WithVisionProvider enables vision-suggested actions.
func WithVisionProvider(provider browser.VisionProvider) Option {
	return func(o *options) { o.vision = provider }
}

// WithFlowStore overrides the flow store chosen by configuration.
func WithFlowStore(store flow.Store) Option {
	return func(o *options) { o.flows = store }
}

// WithSnapshotStore overrides the snapshot store chosen by configuration.
func WithSnapshotStore(store executor.SnapshotStore) Option {
	return func(o *options) { o.snapshots = store }
}

// WithFingerprintProfiles seeds the sampled fingerprint policy.
func WithFingerprintProfiles(profiles []identity.Fingerprint) Option {
	return func(o *options) { o.profiles = profiles }
}

// WithMetrics registers engine metrics with reg. A nil reg uses the default
// prometheus registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.metricsOn = true
		o.registerer = reg
	}
}

// WithEventSink subscribes a handler to every event entity.
func WithEventSink(h event.Handler) Option {
	return func(o *options) { o.sinks = append(o.sinks, h) }
}

// New builds an engine from options.
func New(opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver == nil {
		return nil, ErrDriverRequired
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.Default()
	}

	e := &Engine{cfg: cfg, logger: o.logger}
	if e.logger == nil {
		built, err := config.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		e.logger = built
		e.ownLogger = true
	}

	if o.metricsOn || cfg.Metrics.Enabled {
		e.metrics = metrics.NewCollector("ghostflow", o.registerer)
	}
	if cfg.Metrics.Enabled {
		e.serveMetrics(cfg.Metrics.Addr, o.registerer)
	}

	e.bus = event.NewBus(cfg.Events.BufferSize, e.logger)
	for _, sink := range o.sinks {
		for _, entity := range []event.Entity{event.EntityTask, event.EntityExecution, event.EntityProxy} {
			e.bus.Subscribe(entity, sink)
		}
	}

	e.pool = proxy.NewPool(proxy.PoolConfig{
		Alpha:          cfg.Pool.Alpha,
		DeathThreshold: cfg.Pool.DeathThreshold,
		InitialScore:   cfg.Pool.InitialScore,
	}, e.logger).WithMetrics(e.metrics)

	if err := e.openStores(o); err != nil {
		e.close()
		return nil, err
	}

	e.tester = proxy.NewTester(e.pool, nil, proxy.TesterConfig{
		RatePerSecond: cfg.Tester.RatePerSecond,
		Burst:         cfg.Tester.Burst,
		Concurrency:   cfg.Tester.Concurrency,
		RetestDead:    cfg.Tester.RetestDead,
		ProbeTimeout:  cfg.Tester.ProbeTimeout,
		Interval:      cfg.Tester.Interval,
	}, e.logger)
	if cfg.Tester.Interval > 0 {
		var testerCtx context.Context
		testerCtx, e.stopTester = context.WithCancel(context.Background())
		go e.tester.Run(testerCtx)
	}

	e.broker = identity.NewBroker(e.pool, o.profiles, e.logger)
	e.recorder = flow.NewRecorder(e.flows, e.logger)

	var suggester *browser.ActionSuggester
	if o.vision != nil {
		suggester = browser.NewActionSuggester(o.vision, e.logger)
	}

	execCfg := executor.DefaultConfig()
	execCfg.MaxActionRetries = cfg.Executor.MaxActionRetries
	execCfg.MaxIdentityRetries = cfg.Executor.MaxIdentityRetries
	execCfg.MaxIterations = cfg.Executor.MaxIterations
	execCfg.ActionTimeout = cfg.Executor.ActionTimeout
	execCfg.ProxyRequired = cfg.Executor.ProxyRequired
	execCfg.Strategy = proxy.Strategy(cfg.Pool.Strategy)
	execCfg.Variation.Level = executor.VariationLevel(cfg.Executor.Variation)

	e.exec = executor.New(e.broker, o.driver, e.snapshots, suggester, e.bus, e.metrics, execCfg, e.logger)
	e.coord = coordinator.New(e.exec, e.flows, e.bus, e.metrics, e.logger)
	e.mgr = manager.New(e.coord, e.recorder, e.flows, e.pool, e.tester, e.logger)

	e.logger.Info("engine assembled",
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("vision", o.vision != nil),
		zap.Bool("metrics", o.metricsOn))
	return e, nil
}

// openStores resolves the flow, proxy, and snapshot backends from overrides
// and configuration.
func (e *Engine) openStores(o options) error {
	cfg := e.cfg

	if cfg.Database.Enabled {
		db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{})
		if err != nil {
			return err
		}
		e.db = db

		proxyStore, err := proxy.NewStore(db, e.logger)
		if err != nil {
			return err
		}
		e.pool.WithPersistence(proxyStore)
		if loaded, err := proxyStore.LoadAll(context.Background()); err == nil && len(loaded) > 0 {
			e.pool.Import(loaded)
		}
	}

	switch {
	case o.flows != nil:
		e.flows = o.flows
	case e.db != nil:
		store, err := flow.NewGormStore(e.db, e.logger)
		if err != nil {
			return err
		}
		e.flows = store
	default:
		e.flows = flow.NewMemoryStore()
	}

	switch {
	case o.snapshots != nil:
		e.snapshots = o.snapshots
	case cfg.Redis.Enabled:
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.snapshots = executor.NewRedisSnapshotStore(e.redis, cfg.Redis.KeyPrefix, cfg.Redis.SnapshotTTL, e.logger)
	default:
		e.snapshots = executor.NewMemorySnapshotStore()
	}
	return nil
}

// serveMetrics exposes the prometheus scrape endpoint on addr. A custom
// registerer that also gathers is served directly; otherwise the default
// registry handler applies.
func (e *Engine) serveMetrics(addr string, reg prometheus.Registerer) {
	handler := promhttp.Handler()
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	e.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Manager returns the engine's call surface.
func (e *Engine) Manager() *manager.Manager { return e.mgr }

// Events returns the engine's event bus for additional subscriptions.
func (e *Engine) Events() *event.Bus { return e.bus }

// Pool returns the proxy pool for direct inventory management.
func (e *Engine) Pool() *proxy.Pool { return e.pool }

// Close releases the engine's resources. In-flight tasks are not awaited;
// cancel them first for a clean shutdown.
func (e *Engine) Close() error {
	e.close()
	return nil
}

func (e *Engine) close() {
	if e.stopTester != nil {
		e.stopTester()
	}
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Close()
	}
	if e.bus != nil {
		e.bus.Stop()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if e.ownLogger && e.logger != nil {
		_ = e.logger.Sync()
	}
}
