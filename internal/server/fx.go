// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/readability-server/internal/api"
	"github.com/JakeFAU/readability-server/internal/clock/system"
	"github.com/JakeFAU/readability-server/internal/config"
	"github.com/JakeFAU/readability-server/internal/convert"
	"github.com/JakeFAU/readability-server/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/readability-server/internal/fetcher/colly"
	"github.com/JakeFAU/readability-server/internal/hash/sha256"
	"github.com/JakeFAU/readability-server/internal/id/uuid"
	"github.com/JakeFAU/readability-server/internal/logging"
	"github.com/JakeFAU/readability-server/internal/metrics"
	"github.com/JakeFAU/readability-server/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/readability-server/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/readability-server/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/readability-server/internal/storage/gcs"
	localstorage "github.com/JakeFAU/readability-server/internal/storage/local"
	memorystorage "github.com/JakeFAU/readability-server/internal/storage/memory"
	pgstore "github.com/JakeFAU/readability-server/internal/storage/postgres"
	"github.com/JakeFAU/readability-server/internal/telemetry"
)

// Version is reported as the service version on traces. Set with -ldflags at build time.
var Version = "dev"

const minCloseTimeout = 15 * time.Second

// WorkerCommand is the subcommand that turns the service binary into a pool worker.
const WorkerCommand = "worker"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	handler         http.Handler
	pool            *dispatcher.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	conversionLog   *pgstore.ConversionLog
	tracerShutdown  func(context.Context) error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger  *zap.Logger
	spawner dispatcher.Spawner
}

// WithLogger replaces the logger Build would create from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithSpawner replaces the process spawner, e.g. with in-process workers.
func WithSpawner(s dispatcher.Spawner) Option {
	return func(o *buildOptions) {
		o.spawner = s
	}
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// Log only non-sensitive fields.
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.String("pool_handler", cfg.Pool.Handler),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Pool returns the extraction worker pool.
func (a *App) Pool() *dispatcher.Pool {
	return a.pool
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then drains: the HTTP
// server stops first, then the pool finishes in-flight work within its grace period.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.closeTimeout())
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// closeTimeout leaves room for the pool's grace period plus the forced kill.
func (a *App) closeTimeout() time.Duration {
	return max(a.cfg.Pool.ShutdownGrace+a.cfg.Pool.KillTimeout+a.cfg.Server.ShutdownTimeout, minCloseTimeout)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var poolErr error
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			a.logger.Error("pool shutdown incomplete", zap.Error(err))
			poolErr = err
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return poolErr
}

func (a *App) closeInfrastructure() {
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
	if a.conversionLog != nil {
		a.conversionLog.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.closeTimeout())
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o buildOptions) error {
	if err := setupTracing(ctx, a); err != nil {
		return err
	}
	metrics.Init()

	a.logger.Info("building application dependencies")
	blobStore, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	conversionLog, err := setupDatabase(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	spawner := o.spawner
	if spawner == nil {
		spawner, err = processSpawner(a)
		if err != nil {
			return err
		}
	}
	a.pool, err = dispatcher.New(spawner, a.cfg.Pool.DispatcherConfig(),
		dispatcher.WithLogger(a.logger.Named("pool")),
		dispatcher.WithObserver(metrics.NewPoolObserver()),
		dispatcher.WithIDGenerator(uuid.NewUUIDGenerator()),
	)
	if err != nil {
		return fmt.Errorf("worker pool init failed: %w", err)
	}
	a.logger.Info("worker pool started",
		zap.Int("size", a.cfg.Pool.Size),
		zap.Duration("task_timeout", a.cfg.Pool.TaskTimeout),
		zap.Int("queue_capacity", a.cfg.Pool.QueueCapacity),
	)

	fetchCfg := collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		Timeout:       a.cfg.Fetch.Timeout,
		MaxBodySize:   a.cfg.Fetch.MaxBodyBytes,
		RespectRobots: a.cfg.Fetch.RespectRobots,
	}
	if a.cfg.Fetch.RateLimitRPS > 0 {
		fetchCfg.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Fetch.RateLimitRPS,
			DefaultBurst: a.cfg.Fetch.RateLimitBurst,
		})
		a.logger.Info("per-host rate limiter enabled",
			zap.Float64("rps", a.cfg.Fetch.RateLimitRPS),
			zap.Int("burst", a.cfg.Fetch.RateLimitBurst),
		)
	}
	fetcher := collyfetcher.New(fetchCfg)
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Fetch.UserAgent),
		zap.Bool("respect_robots", a.cfg.Fetch.RespectRobots),
	)

	converter, err := convert.New(
		fetcher,
		a.pool,
		blobStore,
		conversionLog,
		publisher,
		sha256.New(),
		system.New(),
		uuid.NewUUIDGenerator(),
		convert.Config{
			TaskTimeout:    a.cfg.Pool.TaskTimeout,
			ContentType:    a.cfg.Storage.ContentType,
			BlobPrefix:     a.cfg.Storage.Prefix,
			Topic:          a.cfg.PubSub.TopicName,
			BlockedDomains: a.cfg.Fetch.BlockedDomains,
		},
		a.logger.Named("convert"),
	)
	if err != nil {
		return fmt.Errorf("converter init failed: %w", err)
	}

	a.apiServer = api.NewServer(converter, a.pool, *a.cfg, a.logger)
	a.handler = otelhttp.NewHandler(a.apiServer.Handler(), "readability-server")
	return nil
}

func setupTracing(ctx context.Context, app *App) error {
	if !app.cfg.Tracing.Enabled {
		telemetry.InstallPropagator()
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, app.cfg.Tracing.ServiceName, Version)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.logger.Info("tracing enabled", zap.String("service_name", app.cfg.Tracing.ServiceName))
	return nil
}

// processSpawner re-executes the running binary with the worker subcommand.
func processSpawner(app *App) (*dispatcher.ProcessSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate service binary: %w", err)
	}
	args := []string{WorkerCommand, "--handler", app.cfg.Pool.Handler}
	if app.cfg.Logging.Development {
		args = append(args, "--development")
	}
	app.logger.Debug("worker command", zap.String("path", exe), zap.Strings("args", args))
	return &dispatcher.ProcessSpawner{
		Path:   exe,
		Args:   args,
		Logger: app.logger.Named("worker"),
	}, nil
}

func setupStorage(ctx context.Context, app *App) (convert.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend")
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if app.cfg.Storage.CheckBucket {
			if err := blobStore.CheckBucket(ctx); err != nil {
				return nil, err
			}
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return blobStore, nil
	case config.StorageMemory:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("page archive disabled")
		return nil, nil
	}
}

func setupDatabase(ctx context.Context, app *App) (convert.ConversionLog, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, skipping conversion log")
		return nil, nil
	}
	var err error
	app.conversionLog, err = pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
		CreateTable:     app.cfg.DB.CreateTable,
	})
	if err != nil {
		return nil, fmt.Errorf("conversion log init failed: %w", err)
	}
	app.logger.Info("conversion log initialized", zap.String("table", app.cfg.DB.Table))
	return app.conversionLog, nil
}

func setupPublisher(ctx context.Context, app *App) (convert.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	if err := app.pubsubPublisher.CheckTopic(ctx, app.cfg.PubSub.TopicName); err != nil {
		return nil, err
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}
