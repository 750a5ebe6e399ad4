package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-engine/internal/alerts"
	"signal-engine/internal/api"
	"signal-engine/internal/audit"
	"signal-engine/internal/baseline"
	"signal-engine/internal/capability"
	"signal-engine/internal/config"
	"signal-engine/internal/definitions"
	"signal-engine/internal/delivery"
	"signal-engine/internal/engine"
	"signal-engine/internal/ingest"
	"signal-engine/internal/rules"
	"signal-engine/internal/scheduler"
	"signal-engine/internal/scoring"
	sig "signal-engine/internal/signal"
	"signal-engine/internal/storage"
	"signal-engine/internal/workflow"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Runtime is a fully wired engine with its stores.
type Runtime struct {
	Engine  *engine.Engine
	Catalog *definitions.Catalog
	Alerts  *alerts.Registry
	Store   *storage.Store

	closers []func()
}

// Close releases gateways and the database pool, newest first.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Ping reports database health; memory mode is always healthy.
func (r *Runtime) Ping(ctx context.Context) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Ping(ctx)
}

type buildOptions struct {
	memory  bool
	clock   clockwork.Clock
	gateway delivery.Gateway
	// files replaces definitions.dir when set.
	files []definitions.File
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}
	return storage.NewPool(ctx, a.Config.Database)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := a.openPool(ctx)
	if err != nil || pool == nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool, a.Logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newGateway() (delivery.Gateway, func(), error) {
	cfg := a.Config.Delivery
	var (
		gw     delivery.Gateway
		closer func()
	)
	switch cfg.Gateway {
	case "webhook":
		gw = delivery.NewWebhookGateway(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.Timeout, a.Logger)
	case "kafka":
		k, err := delivery.NewKafkaGateway(delivery.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
		}, a.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka gateway: %w", err)
		}
		gw = k
		closer = func() {
			if err := k.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka gateway")
			}
		}
	default:
		gw = delivery.NewLogGateway(a.Logger)
	}
	if cfg.Breaker.Enabled && cfg.Gateway != "log" {
		gw = delivery.NewBreaker(cfg.Gateway, gw, delivery.BreakerConfig{
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
		}, a.Logger)
	}
	return delivery.Instrument(cfg.Gateway, gw), closer, nil
}

func (a *App) newCapabilities() (*capability.Registry, error) {
	reg := capability.NewRegistry()
	cfg := a.Config.Capability
	if len(cfg.Templates) > 0 {
		drafter, err := capability.NewTemplateDrafter(cfg.Templates)
		if err != nil {
			return nil, fmt.Errorf("capability templates: %w", err)
		}
		reg.Register("draft", drafter)
	}
	if cfg.HTTP.URL != "" {
		reg.Register(cfg.HTTP.Name, capability.NewHTTPCapability(cfg.HTTP.URL, cfg.HTTP.Timeout, a.Logger))
	}
	return reg, nil
}

func (a *App) workflowConfig() (workflow.Config, error) {
	cfg := workflow.DefaultConfig()
	w := a.Config.Workflow
	for raw, d := range w.SLA {
		sev, err := rules.ParseSeverity(raw)
		if err != nil {
			return cfg, fmt.Errorf("workflow.sla: %w", err)
		}
		cfg.SLA[sev] = d
	}
	if w.ApprovalTimeout > 0 {
		cfg.ApprovalTimeout = w.ApprovalTimeout
	}
	if w.RetryBase > 0 {
		cfg.RetryBase = w.RetryBase
	}
	if w.RetryCap > 0 {
		cfg.RetryCap = w.RetryCap
	}
	if w.EscalationChannel != "" {
		ch, err := delivery.ParseChannel(w.EscalationChannel)
		if err != nil {
			return cfg, fmt.Errorf("workflow.escalation_channel: %w", err)
		}
		cfg.EscalationChannel = ch
	}
	if w.EscalationTemplate != "" {
		cfg.EscalationTemplate = w.EscalationTemplate
	}
	if w.ApprovalTimeoutTemplate != "" {
		cfg.ApprovalTimeoutTemplate = w.ApprovalTimeoutTemplate
	}
	return cfg, nil
}

type stores struct {
	signals   sig.Store
	baselines baseline.Store
	history   scoring.History
	states    rules.StateStore
	alerts    alerts.Store
	runs      workflow.Store
	defs      definitions.Store
	locker    engine.AdvisoryLocker
}

func memoryStores() stores {
	return stores{
		signals:   sig.NewMemoryStore(),
		baselines: baseline.NewMemoryStore(),
		history:   scoring.NewMemoryHistory(),
		states:    rules.NewMemoryStateStore(),
		alerts:    alerts.NewMemoryStore(),
		runs:      workflow.NewMemoryStore(),
	}
}

func postgresStores(s *storage.Store) stores {
	return stores{
		signals:   s,
		baselines: s,
		history:   s,
		states:    s,
		alerts:    s,
		runs:      s,
		defs:      s,
		locker:    s,
	}
}

// build wires every component. With a database every store is Postgres; otherwise the
// engine runs on memory stores and loses state on exit.
func (a *App) build(ctx context.Context, opts buildOptions) (*Runtime, error) {
	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	clock := opts.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if !opts.memory {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store != nil {
			rt.Store = store
			rt.closers = append(rt.closers, closeStore)
		} else {
			a.Logger.Warn().Msg("database.dsn not configured; running on in-memory stores")
		}
	}
	st := memoryStores()
	if rt.Store != nil {
		st = postgresStores(rt.Store)
	}

	gateway := opts.gateway
	if gateway == nil {
		gw, closer, err := a.newGateway()
		if err != nil {
			return nil, err
		}
		gateway = gw
		if closer != nil {
			rt.closers = append(rt.closers, closer)
		}
	}
	caps, err := a.newCapabilities()
	if err != nil {
		return nil, err
	}
	wfCfg, err := a.workflowConfig()
	if err != nil {
		return nil, err
	}

	rt.Catalog = definitions.NewCatalog(st.defs, a.Logger)
	if err := rt.Catalog.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore definitions: %w", err)
	}
	if err := a.loadDefinitions(ctx, rt.Catalog, opts.files); err != nil {
		return nil, err
	}

	rt.Alerts = alerts.NewRegistry(st.alerts, clock, a.Logger)
	scorer := scoring.NewScorer(st.history, rt.Catalog, clock, a.Config.Scoring.MinInterval, a.Logger)

	rt.Engine = engine.New(engine.Components{
		Signals:      st.signals,
		Evaluator:    baseline.NewEvaluator(st.signals, st.baselines, a.Config.Evaluator, a.Logger, baseline.WithClock(clock)),
		Scorer:       scorer,
		Rules:        rules.NewEngine(st.states, rt.Alerts, a.Logger),
		Alerts:       rt.Alerts,
		Orchestrator: workflow.NewOrchestrator(st.runs, rt.Catalog, gateway, caps, scorer, clock, wfCfg, a.Logger),
		Catalog:      rt.Catalog,
		Audit:        audit.New(a.Config.Audit.TTL, clock),
		Locker:       st.locker,
		Clock:        clock,
	}, engine.Options{
		Workers:          a.Config.Engine.Workers,
		QueueSize:        a.Config.Engine.QueueSize,
		SweepConcurrency: a.Config.Engine.SweepConcurrency,
		ScoreTypes:       a.Config.Engine.ScoreTypes,
		Retention:        a.Config.Retention.Samples,
		LockKey:          a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
	ok = true
	return rt, nil
}

// loadDefinitions applies files, or every file under definitions.dir when files is nil.
// A missing directory is not an error; definitions can arrive over the API.
func (a *App) loadDefinitions(ctx context.Context, catalog *definitions.Catalog, files []definitions.File) error {
	source := "scenario"
	if files == nil {
		source = a.Config.Definitions.Dir
		var err error
		if files, err = definitions.LoadDir(source); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
	}
	if errs := definitions.Validate(files); len(errs) > 0 {
		return fmt.Errorf("invalid definitions: %w", errors.Join(errs...))
	}
	stored := 0
	for _, f := range files {
		n, err := catalog.LoadFile(ctx, f)
		if err != nil {
			return fmt.Errorf("apply definitions: %w", err)
		}
		stored += n
	}
	a.Logger.Info().Str("source", source).Int("files", len(files)).Int("new_versions", stored).Msg("definitions loaded")
	return nil
}

func (a *App) schedule() engine.Schedule {
	s := a.Config.Scheduler
	return engine.Schedule{
		Sweep:        s.SweepInterval,
		Baseline:     s.BaselineInterval,
		SLA:          s.SLAInterval,
		Maintenance:  s.MaintenanceInterval,
		Align:        s.AlignToBucket,
		StartupDelay: s.StartupDelay,
	}
}

// Run executes the long-running engine service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	broker := api.NewBroker(a.Logger)
	rt.Alerts.Subscribe(broker.Publish)

	sched, err := scheduler.New(clockwork.NewRealClock(), a.Logger, rt.Engine.Jobs(a.schedule())...)
	if err != nil {
		return err
	}

	server := api.New(rt.Engine, rt.Catalog, broker, api.Options{
		MaxBodyBytes: a.Config.HTTP.MaxBodyBytes,
		Health:       rt.Ping,
	}, a.Logger)
	httpServer := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
		IdleTimeout:  a.Config.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Engine.Run(gctx, sched) })
	g.Go(func() error {
		a.Logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if a.Config.Ingest.Enabled {
		consumer, err := ingest.NewConsumer(a.Config.Ingest, rt.Engine, a.Logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("ingest consumer: %w", err)
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka consumer")
			}
		}()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	a.Logger.Info().Strs("jobs", sched.Jobs()).Bool("persistent", rt.Store != nil).Msg("starting signal engine")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("signal engine stopped")
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.Config.Engine.ShutdownTimeout > 0 {
		return a.Config.Engine.ShutdownTimeout
	}
	return 15 * time.Second
}

// Migrate applies the schema migrations and exits.
func (a *App) Migrate(ctx context.Context) error {
	pool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	if pool == nil {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	defer pool.Close()
	return storage.Migrate(ctx, pool, a.Logger)
}

// ExportOptions hold parameters for exporting score history.
type ExportOptions struct {
	AccountID string
	ScoreType string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	AccountID string
	Segment   string
	Limit     int
}

// BackfillOptions configure the one-shot job runner.
type BackfillOptions struct {
	Jobs []string
}
