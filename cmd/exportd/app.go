package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/exportd/config"
	"github.com/c360studio/exportd/dispatch"
	"github.com/c360studio/exportd/engine"
	"github.com/c360studio/exportd/events"
	"github.com/c360studio/exportd/heartbeat"
	"github.com/c360studio/exportd/objectstore"
	"github.com/c360studio/exportd/pipeline"
	"github.com/c360studio/exportd/poller"
	"github.com/c360studio/exportd/pool"
	jobintake "github.com/c360studio/exportd/processor/job-intake"
	overflowconsumer "github.com/c360studio/exportd/processor/overflow-consumer"
	"github.com/c360studio/exportd/provider"
	"github.com/c360studio/exportd/queue"
	"github.com/c360studio/exportd/store"
)

// App wires together all exportd components.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	levelVar *slog.LevelVar

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client

	// Components
	pool      *pool.Pool
	poller    *poller.Service
	heartbeat *heartbeat.Loop
	intake    *jobintake.Component
	overflow  *overflowconsumer.Component

	// Support
	watcher       *config.Watcher
	metricsServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger, levelVar *slog.LevelVar) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		levelVar: levelVar,
	}
}

// Start initializes and starts all components. configPath, when non-empty,
// is watched for runtime log-level changes.
func (a *App) Start(ctx context.Context, configPath string) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	js, err := a.natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	if err := queue.EnsureStreams(ctx, js, a.logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	jobStore, err := store.NewKVStore(ctx, js, a.logger)
	if err != nil {
		return fmt.Errorf("create job store: %w", err)
	}

	prov := provider.NewHTTPClient(a.cfg.Provider.BaseURL,
		provider.WithTimeout(a.cfg.Provider.Timeout),
		provider.WithAPIKey(os.Getenv(a.cfg.Provider.APIKeyEnv)),
		provider.WithLogger(a.logger),
	)

	objStore, err := objectstore.NewMinioStore(objectstore.MinioConfig{
		Endpoint:  a.cfg.Storage.Endpoint,
		AccessKey: os.Getenv(a.cfg.Storage.AccessKeyEnv),
		SecretKey: os.Getenv(a.cfg.Storage.SecretKeyEnv),
		Secure:    a.cfg.Storage.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}

	eng := engine.NewNATSEngine(a.natsClient, engine.WithLogger(a.logger))
	sink := events.NewNATSPublisher(a.natsClient, appName, a.logger)

	registry := prometheus.NewRegistry()
	workerPool, err := pool.New(a.cfg.Pool.Size, a.cfg.Pool.MaxConcurrent,
		pool.WithLogger(a.logger),
		pool.WithMetrics(registry),
	)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	a.pool = workerPool

	transferer := pipeline.NewTransferer(objStore,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(registry),
	)
	completer := dispatch.NewCompleter(jobStore, eng, sink, a.logger)
	dispatcher := dispatch.NewDispatcher(jobStore, workerPool, transferer, completer,
		a.natsClient, a.cfg.Storage.Bucket,
		dispatch.WithLogger(a.logger),
	)

	a.poller = poller.New(prov, jobStore, dispatcher, completer,
		poller.WithInterval(a.cfg.Polling.Interval),
		poller.WithLogger(a.logger),
		poller.WithMetrics(registry),
	)
	if err := a.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	a.heartbeat = heartbeat.New(jobStore, eng,
		heartbeat.WithInterval(a.cfg.Heartbeat.Interval),
		heartbeat.WithLogger(a.logger),
	)
	if err := a.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	deps := component.Dependencies{
		NATSClient: a.natsClient,
		Logger:     a.logger,
	}

	intakeHandler := jobintake.NewHandler(jobStore, prov, sink, dispatcher, a.poller, completer, a.logger)
	intake, err := jobintake.NewComponent(nil, deps, intakeHandler)
	if err != nil {
		return fmt.Errorf("create job-intake: %w", err)
	}
	a.intake = intake

	overflowWorker := overflowconsumer.NewWorker(jobStore, workerPool, transferer, completer,
		a.cfg.Storage.Bucket, a.logger)
	overflowConfig, err := json.Marshal(map[string]any{
		"transfer_timeout": a.cfg.Transfer.Timeout,
	})
	if err != nil {
		return fmt.Errorf("marshal overflow config: %w", err)
	}
	overflow, err := overflowconsumer.NewComponent(overflowConfig, deps, overflowWorker)
	if err != nil {
		return fmt.Errorf("create overflow-consumer: %w", err)
	}
	a.overflow = overflow

	// Expose the factories for platforms that discover components through
	// a registry.
	componentRegistry := component.NewRegistry()
	if err := jobintake.Register(componentRegistry, intakeHandler); err != nil {
		return fmt.Errorf("register job-intake: %w", err)
	}
	if err := overflowconsumer.Register(componentRegistry, overflowWorker); err != nil {
		return fmt.Errorf("register overflow-consumer: %w", err)
	}

	for _, c := range []component.LifecycleComponent{a.intake, a.overflow} {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.Meta().Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
	}

	a.startMetrics(registry)

	if configPath != "" {
		if err := a.watchConfig(ctx, configPath); err != nil {
			a.logger.Warn("Config watcher unavailable", "error", err)
		}
	}

	a.logger.Info("Components initialized",
		"pool_size", a.cfg.Pool.Size,
		"max_concurrent", a.cfg.Pool.MaxConcurrent,
		"bucket", a.cfg.Storage.Bucket)
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	natsURL := a.cfg.NATS.URL

	if natsURL == "" || a.cfg.NATS.Embedded {
		// Start embedded NATS server
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		// Wait for server to be ready
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns
		natsURL = ns.ClientURL()
	}

	a.logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return wrapNATSError(err, natsURL)
	}

	a.natsClient = client
	a.logger.Info("Connected to NATS", "url", natsURL)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set EXPORTD_NATS_URL to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) startMetrics(registry *prometheus.Registry) {
	if a.cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if a.pool != nil && a.pool.Healthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("worker pool degraded"))
	})

	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("Metrics listener started", "addr", a.cfg.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics listener failed", "error", err)
		}
	}()
}

func (a *App) watchConfig(ctx context.Context, configPath string) error {
	watcher, err := config.NewWatcher(configPath, func(c *config.Config) {
		a.levelVar.Set(c.LogLevel())
	}, a.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Stop()
		return err
	}
	a.watcher = watcher
	return nil
}

// Shutdown gracefully stops all components. Consumers stop first so no new
// work arrives, then the poller and heartbeat, then the pool drains within
// grace, and the NATS connection closes last.
func (a *App) Shutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Config watcher stop failed", "error", err)
		}
	}

	for _, c := range []component.LifecycleComponent{a.intake, a.overflow} {
		if c == nil {
			continue
		}
		if err := c.Stop(5 * time.Second); err != nil {
			a.logger.Warn("Component stop failed", "component", c.Meta().Name, "error", err)
		}
	}

	if a.poller != nil {
		a.poller.Stop()
	}
	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}

	if a.pool != nil {
		if err := a.pool.Shutdown(grace); err != nil {
			a.logger.Warn("Worker pool drain incomplete", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics listener shutdown failed", "error", err)
		}
	}

	if a.natsClient != nil {
		a.natsClient.Close(ctx)
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
