// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/aggregator"
	"github.com/JakeFAU/serialcrawler/internal/api"
	"github.com/JakeFAU/serialcrawler/internal/clock/system"
	"github.com/JakeFAU/serialcrawler/internal/config"
	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/extraction"
	"github.com/JakeFAU/serialcrawler/internal/hash/sha256"
	"github.com/JakeFAU/serialcrawler/internal/id/uuid"
	"github.com/JakeFAU/serialcrawler/internal/logging"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
	"github.com/JakeFAU/serialcrawler/internal/notify"
	"github.com/JakeFAU/serialcrawler/internal/orchestrator"
	"github.com/JakeFAU/serialcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/serialcrawler/internal/progress"
	progresssinks "github.com/JakeFAU/serialcrawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/serialcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/serialcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/serialcrawler/internal/readiness"
	"github.com/JakeFAU/serialcrawler/internal/render"
	"github.com/JakeFAU/serialcrawler/internal/render/headless"
	"github.com/JakeFAU/serialcrawler/internal/render/static"
	"github.com/JakeFAU/serialcrawler/internal/session"
	gcsstorage "github.com/JakeFAU/serialcrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/serialcrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/serialcrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/serialcrawler/internal/storage/postgres"
	"github.com/JakeFAU/serialcrawler/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	orch            *orchestrator.Orchestrator
	sessions        *session.Store
	target          crawler.RenderTarget
	readiness       *readiness.Poller
	extractor       *extraction.Retrier
	events          *notify.Hub
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	runStore        *pgstore.RunStore
	targetShutdown  func()
	tracerShutdown  func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort    int    `json:"server_port"`
		RenderBackend string `json:"render_backend"`
		Storage       string `json:"storage"`
		RunHistory    bool   `json:"run_history"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:    cfg.Server.Port,
		RenderBackend: cfg.Render.Backend,
		Storage:       cfg.Storage.Backend,
		RunHistory:    cfg.Database.DSN != "",
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Events returns the completion event hub.
func (a *App) Events() *notify.Hub { return a.events }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// StartSession begins a crawl session.
func (a *App) StartSession(ctx context.Context, req crawler.StartRequest) (string, error) {
	id, err := a.orch.Start(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// StopSession cancels a running session.
func (a *App) StopSession(id string) error {
	if err := a.orch.Stop(id); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// Subscribe streams completion events for origin until the returned func is called.
func (a *App) Subscribe(origin string) (<-chan crawler.Completion, func()) {
	return a.events.Subscribe(origin)
}

// FetchPage opens locator on the render target, waits for it to settle and
// extracts it. The crawl command uses it to obtain a session's first fragment.
func (a *App) FetchPage(ctx context.Context, locator string) (crawler.Page, error) {
	handle, err := a.target.Open(ctx, locator)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("open %s: %w", locator, err)
	}
	defer func() {
		if cerr := a.target.Close(context.WithoutCancel(ctx), handle); cerr != nil {
			a.logger.Warn("close render handle failed", zap.String("handle", handle), zap.Error(cerr))
		}
	}()
	if !a.readiness.WaitUntilReady(ctx, handle) {
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("wait for %s: %w", locator, ctx.Err())
		}
		return crawler.Page{}, fmt.Errorf("%w: %s", crawler.ErrReadinessTimeout, locator)
	}
	return a.extractor.Extract(ctx, handle)
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
}

// Close gracefully shuts down the application. Running sessions are
// canceled first so nothing writes to a closed sink. Later calls return the
// first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator close: %w", err))
		}
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.targetShutdown != nil {
		a.targetShutdown()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app, err = NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.shutdownTimeout())
			defer cancel()
			_ = app.Close(closeCtx)
		}
	}()
	metrics.Init()

	if err = setupTelemetry(ctx, app); err != nil {
		return app, err
	}

	app.logger.Info("building application dependencies")
	sink, err := setupStorage(ctx, app)
	if err != nil {
		return app, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return app, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	notifier := setupNotifier(app, publisher)
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return app, err
	}
	if err = setupRenderTarget(app); err != nil {
		return app, err
	}
	if err = setupOrchestrator(app, sink, notifier, emitter); err != nil {
		return app, err
	}

	opts := []api.Option{api.WithEvents(http.HandlerFunc(app.events.ServeWS))}
	if app.runStore != nil {
		opts = append(opts,
			api.WithRuns(app.runStore),
			api.WithReadyCheck("database", app.runStore.Ping),
		)
	}
	app.apiServer = api.NewServer(app.orch, *cfg, logger.Named("api"), opts...)
	return app, nil
}

func setupTelemetry(ctx context.Context, app *App) error {
	if !app.cfg.Telemetry.Enabled {
		app.logger.Info("tracing disabled")
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: app.cfg.Telemetry.ServiceName,
		SampleRatio: app.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.logger.Info("tracing enabled",
		zap.String("service", app.cfg.Telemetry.ServiceName),
		zap.Float64("sample_ratio", app.cfg.Telemetry.SampleRatio),
	)
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.ArtifactSink, error) {
	var sink crawler.ArtifactSink
	var err error
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		sink, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case config.StorageLocal:
		app.logger.Info("using local storage backend")
		sink, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		sink = memorystorage.NewBlobStore()
	}
	return sink, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping run history")
		return nil
	}
	var err error
	app.runStore, err = pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		RunsTable:       app.cfg.Database.RunsTable,
		FragmentsTable:  app.cfg.Database.FragmentsTable,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if app.cfg.Database.AutoMigrate {
		if err := app.runStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("run store migrate failed: %w", err)
		}
	}
	app.logger.Info("run store initialized",
		zap.String("runs_table", app.cfg.Database.RunsTable),
		zap.String("fragments_table", app.cfg.Database.FragmentsTable),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupNotifier(app *App, publisher crawler.Publisher) crawler.Notifier {
	app.events = notify.NewHub(notify.HubConfig{
		SubscriberBuffer: app.cfg.Notify.SubscriberBuffer,
		WriteTimeout:     time.Duration(app.cfg.Notify.WriteTimeoutSeconds) * time.Second,
		PingInterval:     time.Duration(app.cfg.Notify.PingIntervalSeconds) * time.Second,
	}, app.logger.Named("events"))
	return notify.NewFanout(app.logger.Named("notify"),
		app.events,
		notify.NewPublisherNotifier(publisher, app.cfg.PubSub.TopicName),
	)
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runStore, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupRenderTarget(app *App) error {
	rc := app.cfg.Render
	var limiter render.Limiter
	if rc.DomainRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: rc.DomainRPS, DefaultBurst: rc.DomainBurst})
		app.logger.Info("navigation rate limit enabled",
			zap.Float64("domain_rps", rc.DomainRPS),
			zap.Int("domain_burst", rc.DomainBurst),
		)
	}
	navTimeout := time.Duration(rc.NavTimeoutSec) * time.Second

	switch rc.Backend {
	case config.RenderStatic:
		app.target = static.New(static.Config{
			UserAgent:     rc.UserAgent,
			RespectRobots: rc.RespectRobots,
			Timeout:       navTimeout,
			Selectors:     rc.Selectors,
		}, limiter, app.logger.Named("render"))
		app.logger.Info("using static render target", zap.String("user_agent", rc.UserAgent))
	default:
		target, err := headless.New(headless.Config{
			MaxTabs:           rc.MaxTabs,
			UserAgent:         rc.UserAgent,
			NavigationTimeout: navTimeout,
			Selectors:         rc.Selectors,
			ExecPath:          rc.ExecPath,
		}, limiter, app.logger.Named("render"))
		if err != nil {
			return fmt.Errorf("headless render target init failed: %w", err)
		}
		app.target = target
		app.targetShutdown = target.Shutdown
		app.logger.Info("using headless render target", zap.Int("max_tabs", rc.MaxTabs))
	}

	app.readiness = readiness.NewPoller(app.target, readiness.Config{
		Timeout:      app.cfg.ReadinessTimeout(),
		BaseInterval: time.Duration(app.cfg.Readiness.BaseIntervalMs) * time.Millisecond,
		MaxInterval:  time.Duration(app.cfg.Readiness.MaxIntervalMs) * time.Millisecond,
		Slope:        app.cfg.Readiness.Slope,
	}, nil, app.logger.Named("readiness"))
	app.extractor = extraction.NewRetrier(app.target, extraction.Config{
		MaxAttempts:    app.cfg.Extraction.MaxAttempts,
		Delay:          time.Duration(app.cfg.Extraction.DelayMs) * time.Millisecond,
		AttemptTimeout: time.Duration(app.cfg.Extraction.AttemptTimeoutMs) * time.Millisecond,
	}, app.logger.Named("extraction"))
	return nil
}

func setupOrchestrator(
	app *App,
	sink crawler.ArtifactSink,
	notifier crawler.Notifier,
	emitter progress.Emitter,
) error {
	agg, err := aggregator.New(sink, sha256.New(), aggregator.Config{
		ContentType: app.cfg.Storage.ContentType,
		Extension:   app.cfg.Storage.Extension,
	}, app.logger.Named("aggregator"))
	if err != nil {
		return fmt.Errorf("aggregator init failed: %w", err)
	}
	clock := system.New()
	app.sessions = session.NewStore(uuid.New(), clock,
		session.WithLogger(app.logger.Named("sessions")),
		session.WithOnDelete(agg.Release),
	)

	orchCfg := orchestrator.Config{
		DeleteGrace:           time.Duration(app.cfg.Session.DeleteGraceMs) * time.Millisecond,
		FlushPartialOnFailure: app.cfg.Session.FlushPartialOnFailure,
		FinalizeTimeout:       time.Duration(app.cfg.Session.FinalizeTimeoutSeconds) * time.Second,
		NotifyTimeout:         time.Duration(app.cfg.Session.NotifyTimeoutSeconds) * time.Second,
	}
	app.orch, err = orchestrator.New(orchCfg, orchestrator.Deps{
		Store:     app.sessions,
		Target:    app.target,
		Readiness: app.readiness,
		Extractor: app.extractor,
		Finalizer: agg,
		Notifier:  notifier,
		Progress:  emitter,
		Clock:     clock,
		Tracer:    telemetry.Tracer(),
		Logger:    app.logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.logger.Info("orchestrator ready",
		zap.Duration("delete_grace", orchCfg.DeleteGrace),
		zap.Bool("flush_partial_on_failure", orchCfg.FlushPartialOnFailure),
		zap.Duration("readiness_timeout", app.cfg.ReadinessTimeout()),
		zap.Duration("extraction_budget", app.cfg.ExtractionBudget()),
	)
	return nil
}
