package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cargohub/hub/internal/api/handlers"
	"github.com/cargohub/hub/internal/api/middleware"
	"github.com/cargohub/hub/internal/bootstrap"
	"github.com/cargohub/hub/internal/config"
	"github.com/cargohub/hub/internal/observability"
	"github.com/cargohub/hub/internal/service"
	"github.com/cargohub/hub/internal/workers"
)

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	db             *pgxpool.Pool
	core           *bootstrap.Core
	server         *http.Server
	river          *river.Client[pgx.Tx]
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	metrics        *observability.Metrics
}

const riverQueueDepthInterval = 15 * time.Second

// setupMetrics creates the meter provider and hub metrics. When NewMeterProvider returns nil
// (disabled exporter), everything is nil and metrics are off.
func setupMetrics(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, *observability.Metrics, error) {
	mp, scrape, err := observability.NewMeterProvider(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create meter provider: %w", err)
	}

	if mp == nil {
		return nil, nil, nil, nil
	}

	metrics, err := observability.NewMetrics(mp.Meter(observability.MeterScope))
	if err != nil {
		if err2 := observability.ShutdownMeterProvider(context.Background(), mp); err2 != nil {
			slog.Error("shutdown meter provider after metrics error", "error", err2)
		}

		return nil, nil, nil, fmt.Errorf("create metrics: %w", err)
	}

	return mp, scrape, metrics, nil
}

// NewApp builds and wires all components. It does not start the HTTP server or River;
// call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (*App, error) {
	var (
		err           error
		meterProvider *sdkmetric.MeterProvider
		scrape        http.Handler
		metrics       *observability.Metrics
	)

	if cfg.OtelMetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		meterProvider, scrape, metrics, err = setupMetrics(cfg)
		if err != nil {
			return nil, err
		}
	}

	var tracerProvider *sdktrace.TracerProvider

	if cfg.OtelTracesExporter == "" {
		slog.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		tracerProvider, err = observability.NewTracerProvider(cfg)
		if err != nil {
			logShutdownError("tracer provider error", shutdownObservability(context.Background(), nil, meterProvider))

			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
	}

	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	logger := slog.Default()

	core, err := bootstrap.NewCore(ctx, cfg, db, metrics, logger)
	if err != nil {
		logShutdownError("core error", shutdownObservability(context.Background(), tracerProvider, meterProvider))

		return nil, fmt.Errorf("build core: %w", err)
	}

	resolver, err := core.NewPrincipalResolver(cfg, metrics, logger)
	if err != nil {
		logShutdownError("principal resolver error", shutdownObservability(context.Background(), tracerProvider, meterProvider))

		return nil, err
	}

	defaultModel := core.Embedder.Catalog().Default()

	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, workers.NewShipmentEmbeddingWorker(core.Indexer, metrics.EmbeddingsOrNil(), logger))
	river.AddWorker(riverWorkers, workers.NewBulkIndexWorker(core.Indexer, logger))
	river.AddWorker(riverWorkers, workers.NewStaleSweepWorker(core.Indexer, defaultModel, logger))

	var periodicJobs []*river.PeriodicJob
	if job := workers.StaleSweepPeriodicJob(cfg.StaleSweepInterval, defaultModel); job != nil {
		periodicJobs = append(periodicJobs, job)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault:          {MaxWorkers: 1},
			service.EmbeddingsQueueName: {MaxWorkers: cfg.EmbeddingMaxConcurrent},
		},
		Workers:      riverWorkers,
		PeriodicJobs: periodicJobs,
		ErrorHandler: &workers.ErrorHandler{Logger: logger},
		Logger:       logger,
	})
	if err != nil {
		logShutdownError("River client error", shutdownObservability(context.Background(), tracerProvider, meterProvider))

		if closeErr := core.Close(); closeErr != nil {
			slog.Error("close core after River client error", "error", closeErr)
		}

		return nil, fmt.Errorf("create River client: %w", err)
	}

	enqueuer := service.NewIndexingEnqueuer(service.IndexingEnqueuerParams{
		Inserter:     riverClient,
		DefaultModel: defaultModel,
		QueueName:    service.EmbeddingsQueueName,
		MaxAttempts:  cfg.EmbeddingMaxAttempts,
		Metrics:      metrics.EmbeddingsOrNil(),
		Logger:       logger,
	})

	healthHandler := handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"database": db.Ping,
	})

	router := newRouter(cfg, routes{
		health:        healthHandler,
		search:        handlers.NewSearchHandler(core.Search),
		embeddings:    handlers.NewEmbeddingsHandler(core.Indexer, enqueuer),
		evaluation:    handlers.NewEvaluationHandler(core.Evaluation),
		visualization: handlers.NewVisualizationHandler(core.Visualizer),
		scrape:        scrape,
		resolver:      resolver,
		metrics:       metrics.APIOrNil(),
	})

	return &App{
		cfg:            cfg,
		db:             db,
		core:           core,
		server:         newHTTPServer(cfg, router, meterProvider, tracerProvider),
		river:          riverClient,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		metrics:        metrics,
	}, nil
}

type routes struct {
	health        *handlers.HealthHandler
	search        *handlers.SearchHandler
	embeddings    *handlers.EmbeddingsHandler
	evaluation    *handlers.EvaluationHandler
	visualization *handlers.VisualizationHandler
	scrape        http.Handler
	resolver      middleware.PrincipalResolver
	metrics       observability.APIMetrics
}

// newRouter registers the public routes (health, metrics scrape) and the bearer-authenticated /v1 API.
func newRouter(cfg *config.Config, rt routes) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics(rt.metrics))

	r.Get("/health", rt.health.Check)

	if rt.scrape != nil {
		r.Method(http.MethodGet, "/metrics", rt.scrape)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.MaxBody(cfg.MaxRequestBodyBytes, rt.metrics))
		r.Use(middleware.Auth(rt.resolver))

		r.Post("/search", rt.search.Search)
		r.Get("/shipments/{id}/similar", rt.search.Similar)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePrivileged)

			r.Post("/shipments/{id}/embedding", rt.embeddings.IndexOne)
			r.Delete("/shipments/{id}/embedding", rt.embeddings.Delete)
			r.Post("/shipments/{id}/changed", rt.embeddings.Changed)
			r.Post("/embeddings/bulk", rt.embeddings.Bulk)
			r.Post("/embeddings/regenerate", rt.embeddings.Regenerate)
			r.Post("/embeddings/cost-estimate", rt.embeddings.CostEstimate)
			r.Get("/embeddings/events", rt.embeddings.Events)
			r.Get("/embeddings/stats", rt.embeddings.Stats)

			// Controlled tests and their ranking snapshots name shipments across every buyer.
			r.Post("/evaluation/tests", rt.evaluation.CreateTest)
			r.Get("/evaluation/tests", rt.evaluation.ListTests)
			r.Post("/evaluation/tests/import", rt.evaluation.ImportTests)
			r.Patch("/evaluation/tests/{id}", rt.evaluation.UpdateTest)
			r.Post("/evaluation/tests/{id}/run", rt.evaluation.RunTest)
			r.Post("/evaluation/run-active", rt.evaluation.RunActive)
			r.Get("/evaluation/report", rt.evaluation.Report)
		})

		r.Post("/visualization/projection", rt.visualization.Project)
	})

	return r
}

// newHTTPServer wraps the router: RequestID -> otelhttp(Logging(router)) so access logs carry trace ids.
func newHTTPServer(
	cfg *config.Config,
	router http.Handler,
	meterProvider *sdkmetric.MeterProvider,
	tracerProvider *sdktrace.TracerProvider,
) *http.Server {
	otelOpts := []otelhttp.Option{
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	}
	if meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(meterProvider))
	}

	if tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tracerProvider))
	}

	handler := otelhttp.NewHandler(middleware.Logging(router), "shipsearch-api", otelOpts...)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 60 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server and River, then blocks until ctx is cancelled or a component fails.
// The internal River context is cancelled before Run returns. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	riverCtx, cancelRiver := context.WithCancel(ctx)
	defer cancelRiver()

	if embeddingMetrics := a.metrics.EmbeddingsOrNil(); embeddingMetrics != nil {
		go runRiverQueueDepthPoller(riverCtx, a.db, embeddingMetrics)
	}

	go func() {
		if err := a.river.Start(riverCtx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case runErr <- fmt.Errorf("river: %w", err):
			default:
			}
		}
	}()

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		cancelRiver()

		return err
	case <-ctx.Done():
		cancelRiver()

		return nil
	}
}

// runRiverQueueDepthPoller periodically updates the embeddings queue depth gauge.
func runRiverQueueDepthPoller(ctx context.Context, db *pgxpool.Pool, embeddingMetrics observability.EmbeddingMetrics) {
	ticker := time.NewTicker(riverQueueDepthInterval)
	defer ticker.Stop()

	update := func() {
		var count int

		err := db.QueryRow(ctx,
			`SELECT COUNT(*) FROM river_job WHERE queue = $1 AND state IN ($2, $3, $4)`,
			service.EmbeddingsQueueName,
			rivertype.JobStateAvailable, rivertype.JobStateRetryable, rivertype.JobStateScheduled,
		).Scan(&count)
		if err != nil {
			slog.WarnContext(ctx, "river queue depth poll failed", "error", err)

			return
		}

		embeddingMetrics.SetQueueDepth(count)
	}

	update()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// shutdownObservability shuts down tracer and meter providers. Logs secondary errors, returns the first.
func shutdownObservability(ctx context.Context, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) error {
	var first error

	if tracer != nil {
		if err := observability.ShutdownTracerProvider(ctx, tracer); err != nil {
			first = err
		}
	}

	if meter != nil {
		if err := observability.ShutdownMeterProvider(ctx, meter); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	return first
}

func logShutdownError(after string, err error) {
	if err != nil {
		slog.Error("shutdown observability after "+after, "error", err)
	}
}

// Shutdown stops the server and River in order, then closes the core. Call after Run returns.
// Observability is shut down once via defer; its error is returned only when everything else succeeded.
func (a *App) Shutdown(ctx context.Context) (err error) {
	defer func() {
		obsErr := shutdownObservability(ctx, a.tracerProvider, a.meterProvider)
		if err == nil {
			err = obsErr
		} else if obsErr != nil {
			slog.Error("shutdown observability", "error", obsErr)
		}
	}()

	defer func() {
		if closeErr := a.core.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				slog.Error("close core", "error", closeErr)
			}
		}
	}()

	if err = a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if stopErr := a.river.Stop(ctx); stopErr != nil {
			slog.Error("river stop during server shutdown", "error", stopErr)
		}

		return fmt.Errorf("server shutdown: %w", err)
	}

	if err = a.river.Stop(ctx); err != nil {
		return fmt.Errorf("river stop: %w", err)
	}

	return nil
}
