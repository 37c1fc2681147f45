package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fulfillment/internal/config"
	"fulfillment/internal/consumer"
	"fulfillment/internal/database"
	"fulfillment/internal/handler"
	"fulfillment/internal/middleware"
	"fulfillment/internal/monitor"
	internalredis "fulfillment/internal/redis"
	"fulfillment/internal/saga"
	internalutils "fulfillment/internal/utils"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/degrade"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
	"fulfillment/pkg/utils"
)

const (
	dedupPrefix           = "processed"
	degradePrefix         = "degrade"
	systemMetricsInterval = 15 * time.Second
)

// Runtime holds the shared infrastructure of one service process
type Runtime struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Bus       queue.Bus
	Publisher *saga.Publisher
	Processed queue.ProcessedStore
	Breakers  *breaker.Manager
	Degrade   *degrade.Manager
	Metrics   *monitor.MetricsCollector
	Tracer    *monitor.Tracer

	closers []func() error
}

// New loads the configuration of service and connects MySQL, Redis and the
// message bus. configPath may be empty.
func New(ctx context.Context, service, configPath string) (*Runtime, error) {
	loader := config.NewLoader(service, configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if err := log.Init(cfg.Service.Name, log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	loader.Watch(applyLogLevel)

	rt := &Runtime{Config: cfg}

	rt.Tracer, err = monitor.NewTracer(&monitor.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Server.Mode,
		JaegerEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.Tracer.Shutdown(ctx)
	})

	if cfg.Metrics.Enabled {
		rt.Metrics = monitor.NewMetricsCollector(cfg.Metrics.Namespace, cfg.Service.Name)
	}

	rt.Breakers = breaker.NewManager(breaker.Config{
		MaxRequests:         cfg.CircuitBreak.MaxRequests,
		Interval:            cfg.CircuitBreak.Interval,
		Timeout:             cfg.CircuitBreak.Timeout,
		ConsecutiveFailures: cfg.CircuitBreak.ConsecutiveFailures,
		OnStateChange: func(name string, from, to breaker.State) {
			log.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	if rt.DB, err = database.Open(cfg.Database); err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return database.Close(rt.DB) })
	if cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(rt.DB, cfg.Service.Name); err != nil {
			rt.Close()
			return nil, err
		}
	}

	if rt.Redis, err = internalredis.NewClient(cfg.Redis); err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Redis.Close)
	rt.Processed = queue.NewRedisProcessedStore(rt.Redis, dedupPrefix)
	rt.Degrade = degrade.NewManager(rt.Redis, degradePrefix)

	if rt.Bus, err = NewBus(ctx, cfg, rt.Metrics); err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Bus.Close)
	rt.Publisher = saga.NewPublisher(rt.Bus, cfg.Queue.MaxRetries, cfg.Queue.RetryDelay)

	return rt, nil
}

// NewBus creates the bus selected by queue.driver. The memory driver only
// delivers inside one process.
func NewBus(ctx context.Context, cfg *config.Config, metrics *monitor.MetricsCollector) (queue.Bus, error) {
	opts := queue.Options{
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryDelay:   cfg.Queue.RetryDelay,
		RequeueDelay: cfg.Queue.RequeueDelay,
	}

	switch cfg.Queue.Driver {
	case "memory":
		log.Warn("Using in-memory bus, events stay inside this process")
		return queue.NewMemoryBus(queue.WithMemoryOptions(opts), queue.WithMemoryObserver(metrics)), nil
	case "", "rabbitmq":
		bus := queue.NewRabbitBus(queue.RabbitConfig{
			URL:            cfg.Queue.URL,
			ConnectionName: cfg.Service.Name,
			Heartbeat:      cfg.Queue.Heartbeat,
			Prefetch:       cfg.Queue.Prefetch,
			Options:        opts,
		}, queue.WithRabbitObserver(metrics))
		if err := bus.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func applyLogLevel(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.WithError(err).Warn("Ignoring invalid log level")
		return
	}
	log.GetLogger().SetLevel(level)
	log.WithField("level", level.String()).Info("Log level updated")
}

// Checks returns the health checks every service shares
func (rt *Runtime) Checks() map[string]handler.Checker {
	return map[string]handler.Checker{
		"mysql": func(ctx context.Context) error { return database.Health(ctx, rt.DB) },
		"redis": func(ctx context.Context) error { return internalredis.Health(ctx, rt.Redis) },
		"queue": func(ctx context.Context) error { return rt.Bus.Health() },
	}
}

// Router builds the HTTP router. register mounts the service routes on /api/v1.
func (rt *Runtime) Router(register func(api *gin.RouterGroup)) *gin.Engine {
	cfg := rt.Config
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	utils.RegisterCustomValidators()

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(rt.Tracer.GinMiddleware())
	router.Use(middleware.Logger(rt.Metrics))
	router.Use(middleware.CORS(cfg.Security.CORS.AllowOrigins))
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	handler.NewHealthHandler(cfg.Service.Name, rt.Checks()).Register(router)
	if rt.Metrics != nil {
		router.GET(cfg.Metrics.Path, gin.WrapH(rt.Metrics.Handler()))
	}

	api := router.Group("/api/v1")
	if cfg.Security.JWT.Enabled {
		manager := internalutils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, 0)
		api.Use(middleware.AuthWrites(middleware.JWTValidator(manager)))
	}
	if cfg.RateLimit.Enabled {
		api.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	api.Use(middleware.Degrade(rt.Degrade, cfg.Service.Name))
	register(api)

	return router
}

// Run starts consumers and serves router until SIGINT or SIGTERM, then shuts
// down gracefully.
func (rt *Runtime) Run(router http.Handler, consumers ...*consumer.Consumer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, c := range consumers {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}

	var sqlDB *sql.DB
	if db, err := rt.DB.DB(); err == nil {
		sqlDB = db
	}
	go rt.Metrics.StartSystemMetricsCollection(ctx, systemMetricsInterval, sqlDB, rt.Breakers)

	cfg := rt.Config.Server
	server := &http.Server{
		Addr:           cfg.GetAddr(),
		Handler:        router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"service": rt.Config.Service.Name,
			"addr":    server.Addr,
			"mode":    cfg.Mode,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("Server exited")
	return nil
}

// Close releases every connection in reverse order of opening
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.WithError(err).Warn("Failed to close resource")
		}
	}
	rt.closers = nil
}
