package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/loanpay/server/cmd/server/docs" // swagger docs
	ginadapter "github.com/loanpay/server/internal/adapter/inbound/gin"
	"github.com/loanpay/server/internal/domain/biller"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/infra/task"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/loanpay/server/internal/shared/config"
	"github.com/loanpay/server/internal/shared/database"
	"github.com/loanpay/server/internal/utils/metrics"
	"github.com/loanpay/server/internal/utils/middleware"
)

// App is the assembled loan payment server.
type App struct {
	config      *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	persistence *Persistence
	redis       goredis.UniversalClient
	rateLimiter outbound.RateLimiterPort
	router      *gin.Engine

	payments   payment.PaymentDomain
	management management.Service
	importer   *biller.Importer
	poller     *task.Poller

	cleanupFuncs []func()
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	return newApp(cfg, ProvideMetrics())
}

func newApp(cfg *config.Config, m *metrics.Metrics) (*App, error) {
	log, err := ProvideZapLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init zap logger: %w", err)
	}

	app := &App{
		config:       cfg,
		logger:       log,
		metrics:      m,
		cleanupFuncs: make([]func(), 0),
	}

	if err := app.initInfrastructure(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}
	if err := app.initDomains(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("init domains: %w", err)
	}

	app.router = app.setupRouter()
	app.registerRoutes()

	return app, nil
}

// initInfrastructure opens persistence and the optional Redis connection.
func (a *App) initInfrastructure() error {
	persistence, cleanup, err := ProvidePersistence(a.config, a.logger)
	if err != nil {
		return err
	}
	a.persistence = persistence
	a.cleanupFuncs = append(a.cleanupFuncs, cleanup)

	redis, closeRedis := ProvideRedisClient(a.config, a.logger)
	a.redis = redis
	a.rateLimiter = ProvideRateLimiter(redis)
	a.cleanupFuncs = append(a.cleanupFuncs, closeRedis)

	return nil
}

// initDomains wires the lending domains to their adapters.
func (a *App) initDomains() error {
	bus := ProvideEventBus(a.logger)
	registry := ProvideTransferRegistry(a.config, ProvideHTTPClient(a.config), a.logger)

	a.payments = ProvidePaymentDomain(a.persistence, bus, a.metrics, a.logger)
	transfers := ProvideTransferService(a.config, registry, a.payments, a.metrics, a.logger)
	a.management = ProvideManagementService(
		a.config, a.persistence, a.payments, transfers, bus,
		ProvideLock(a.config, a.redis), a.logger,
	)

	storage, err := ProvideStorage(a.config)
	if err != nil {
		return err
	}
	a.importer = ProvideBillerImporter(a.config, storage, a.persistence, a.metrics, a.logger)

	if a.config.Poller.Enabled {
		a.poller = ProvidePoller(a.config, a.payments, a.management, a.metrics, a.logger)
	}

	return nil
}

// setupRouter creates the gin engine with global middleware.
func (a *App) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID(a.logger))
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(a.config.Server.AllowedOrigins)))

	r.GET("/health", a.health)
	if a.config.API.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// Swagger documentation endpoint
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	return r
}

// registerRoutes registers API routes.
func (a *App) registerRoutes() {
	api := a.router.Group("/api/v1")

	var mutating []gin.HandlerFunc
	if a.redis != nil && a.config.API.IdempotencyTTL > 0 {
		mutating = append(mutating, middleware.Idempotency(a.redis, a.config.API.IdempotencyTTL))
	}
	ginadapter.RegisterLendingRoutes(api, ginadapter.NewLendingAdapter(a.management, a.payments), mutating...)

	transfers := ginadapter.NewTransferAdapter(a.management, a.payments, a.metrics)
	ginadapter.RegisterTransferRoutes(api, transfers)

	var webhookGuards []gin.HandlerFunc
	if a.config.API.WebhookRateLimit > 0 {
		webhookGuards = append(webhookGuards, middleware.RateLimitByProvider(
			a.rateLimiter, a.config.API.WebhookRateLimit, a.config.API.WebhookRateWindow,
		))
	}
	ginadapter.RegisterWebhookRoutes(api, transfers, webhookGuards...)

	ginadapter.RegisterBillerRoutes(api, ginadapter.NewBillerAdapter(a.importer, a.persistence.Billers))
}

func (a *App) health(c *gin.Context) {
	if a.persistence.DB != nil {
		if err := database.Ping(a.persistence.DB); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": a.config.Database.Backend})
}

// Start launches background workers.
func (a *App) Start(ctx context.Context) {
	if a.poller != nil {
		a.poller.Start(ctx)
	}
}

// Router returns the HTTP handler.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Management returns the management service.
func (a *App) Management() management.Service {
	return a.management
}

// Payments returns the payment domain.
func (a *App) Payments() payment.PaymentDomain {
	return a.payments
}

// Importer returns the biller importer.
func (a *App) Importer() *biller.Importer {
	return a.importer
}

// Poller returns the pending transfer poller, or nil when disabled.
func (a *App) Poller() *task.Poller {
	return a.poller
}

// Persistence returns the storage adapters.
func (a *App) Persistence() *Persistence {
	return a.persistence
}

// Stop stops background workers and releases connections.
func (a *App) Stop() {
	if a.poller != nil {
		a.poller.Stop()
	}
	for i := len(a.cleanupFuncs) - 1; i >= 0; i-- {
		a.cleanupFuncs[i]()
	}
	a.cleanupFuncs = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
