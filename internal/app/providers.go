package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/wire"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	// Domains
	"github.com/loanpay/server/internal/domain/biller"
	"github.com/loanpay/server/internal/domain/loanpayment"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/paymentstep"
	"github.com/loanpay/server/internal/domain/schedule"
	"github.com/loanpay/server/internal/domain/transfer"

	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"

	// Outbound adapters
	"github.com/loanpay/server/internal/adapter/outbound/filestore"
	"github.com/loanpay/server/internal/adapter/outbound/memory"
	"github.com/loanpay/server/internal/adapter/outbound/postgres"
	redisadapter "github.com/loanpay/server/internal/adapter/outbound/redis"
	s3adapter "github.com/loanpay/server/internal/adapter/outbound/s3"
	"github.com/loanpay/server/internal/adapter/outbound/transferprovider"

	// Infrastructure
	"github.com/loanpay/server/internal/infra/events"
	"github.com/loanpay/server/internal/infra/httpclient"
	"github.com/loanpay/server/internal/infra/task"
	"github.com/loanpay/server/internal/shared/cache"
	"github.com/loanpay/server/internal/shared/config"
	"github.com/loanpay/server/internal/shared/database"
	"github.com/loanpay/server/internal/shared/logger"

	// Utils
	"github.com/loanpay/server/internal/utils/metrics"
)

// Persistence selects the storage adapters for the configured backend.
type Persistence struct {
	Ports    payment.Ports
	Billers  outbound.BillerDatabasePort
	Webhooks outbound.WebhookEventDatabasePort

	// DB is set for the postgres backend.
	DB *gorm.DB
	// Store is set for the memory backend.
	Store *memory.Store
}

// ===== Infrastructure Providers =====

// InfraSet provides infrastructure dependencies.
var InfraSet = wire.NewSet(
	ProvideZapLogger,
	ProvideMetrics,
	ProvidePersistence,
	ProvideRedisClient,
	ProvideLock,
	ProvideRateLimiter,
	ProvideHTTPClient,
	ProvideStorage,
	ProvideEventBus,
)

// ProvideZapLogger creates a zap logger instance.
func ProvideZapLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.NewZapLogger(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// ProvideMetrics creates a metrics instance.
func ProvideMetrics() *metrics.Metrics {
	return metrics.New("loanpay")
}

// ProvidePersistence opens the configured backend.
func ProvidePersistence(cfg *config.Config, log *zap.Logger) (*Persistence, func(), error) {
	switch strings.ToLower(cfg.Database.Backend) {
	case "memory":
		log.Warn("using in-memory persistence, state is lost on restart")
		store := memory.NewStore()
		return &Persistence{
			Ports: payment.Ports{
				Loans:     store.Loans(),
				Accounts:  store.Accounts(),
				Payments:  store.Payments(),
				Steps:     store.Steps(),
				Transfers: store.Transfers(),
				Routes:    store.Routes(),
			},
			Billers:  store.Billers(),
			Webhooks: store.Webhooks(),
			Store:    store,
		}, func() {}, nil

	case "", "postgres":
		db, err := database.New(&cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("init database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(db); err != nil {
				_ = database.Close(db)
				return nil, nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		cleanup := func() {
			if err := database.Close(db); err != nil {
				log.Warn("failed to close database", zap.Error(err))
			}
		}
		return &Persistence{
			Ports: payment.Ports{
				Loans:     postgres.NewLoanAdapter(db),
				Accounts:  postgres.NewPaymentAccountAdapter(db),
				Payments:  postgres.NewLoanPaymentAdapter(db),
				Steps:     postgres.NewPaymentStepAdapter(db),
				Transfers: postgres.NewTransferAdapter(db),
				Routes:    postgres.NewPaymentsRouteAdapter(db),
			},
			Billers:  postgres.NewBillerAdapter(db),
			Webhooks: postgres.NewWebhookEventAdapter(db),
			DB:       db,
		}, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

// ProvideRedisClient creates a Redis client. Returns nil when Redis is not
// configured or unreachable.
func ProvideRedisClient(cfg *config.Config, log *zap.Logger) (goredis.UniversalClient, func()) {
	if cfg.Redis.Address == "" {
		return nil, func() {}
	}
	client, err := cache.NewRedisClient(context.Background(), &cfg.Redis)
	if err != nil {
		log.Warn("Redis connection failed, continuing without it", zap.Error(err))
		return nil, func() {}
	}
	return client, func() { _ = cache.Close(client) }
}

// ProvideLock creates the advance lock. Redis makes it safe across replicas.
func ProvideLock(cfg *config.Config, redis goredis.UniversalClient) outbound.LockPort {
	if redis == nil {
		return memory.NewLock()
	}
	return redisadapter.NewLock(redis, cfg.Lock.KeyPrefix)
}

// ProvideRateLimiter creates a rate limiter.
func ProvideRateLimiter(redis goredis.UniversalClient) outbound.RateLimiterPort {
	if redis == nil {
		return nil
	}
	return redisadapter.NewRateLimiter(redis)
}

// ProvideHTTPClient creates the shared provider HTTP client.
func ProvideHTTPClient(cfg *config.Config) *http.Client {
	return httpclient.New(cfg.HTTP)
}

// ProvideStorage creates the biller file storage.
func ProvideStorage(cfg *config.Config) (outbound.StoragePort, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "s3":
		client, err := s3adapter.NewClient(context.Background(), cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		return s3adapter.NewObjectStorage(client, cfg.Storage.Bucket, cfg.Storage.Prefix), nil
	case "", "local":
		return filestore.NewLocal(cfg.Storage.LocalDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// ProvideEventBus creates the in-process event bus.
func ProvideEventBus(log *zap.Logger) *events.Bus {
	return events.NewBus(log)
}

// ===== Lending Providers =====

// LendingSet provides the lending domains.
var LendingSet = wire.NewSet(
	ProvideTransferRegistry,
	ProvidePaymentDomain,
	ProvideTransferService,
	ProvideManagementService,
	ProvideBillerImporter,
	ProvidePoller,
)

// ProvideTransferRegistry registers the configured transfer providers.
func ProvideTransferRegistry(cfg *config.Config, client *http.Client, log *zap.Logger) outbound.TransferProviderRegistryPort {
	return transferprovider.NewRegistryFromConfig(cfg.Providers, client, log)
}

// ProvidePaymentDomain creates the payment domain.
func ProvidePaymentDomain(p *Persistence, bus *events.Bus, m *metrics.Metrics, log *zap.Logger) payment.PaymentDomain {
	return payment.NewPaymentDomain(p.Ports, bus, m, log)
}

// ProvideTransferService creates the transfer service.
func ProvideTransferService(
	cfg *config.Config,
	registry outbound.TransferProviderRegistryPort,
	payments payment.PaymentDomain,
	m *metrics.Metrics,
	log *zap.Logger,
) transfer.Service {
	factory := transfer.NewExecutionFactory(registry, payments, m, transfer.FactoryConfig{
		DefaultProvider:   model.PaymentAccountProvider(cfg.Transfers.DefaultProvider),
		FallbackToDefault: cfg.Transfers.Fallback,
	}, log)
	return transfer.NewService(factory, payments, log)
}

// ProvideManagementService creates the management service and subscribes it
// to the lending event chain.
func ProvideManagementService(
	cfg *config.Config,
	p *Persistence,
	payments payment.PaymentDomain,
	transfers transfer.Service,
	bus *events.Bus,
	lock outbound.LockPort,
	log *zap.Logger,
) management.Service {
	svc := management.NewService(management.Dependencies{
		Payments:  payments,
		Managers:  loanpayment.NewFactory(payments, schedule.NewScheduler(), log),
		Steps:     paymentstep.NewFactory(payments, transfers, log),
		Transfers: transfers,
		Publisher: bus,
	}, management.Ports{
		Loans:    p.Ports.Loans,
		Webhooks: p.Webhooks,
		Lock:     lock,
	}, management.Config{
		LockTTL:  cfg.Lock.TTL,
		LockWait: cfg.Lock.Wait,
	}, log)
	management.RegisterHandlers(bus, svc, log)
	return svc
}

// ProvideBillerImporter creates the biller catalogue importer.
func ProvideBillerImporter(cfg *config.Config, storage outbound.StoragePort, p *Persistence, m *metrics.Metrics, log *zap.Logger) *biller.Importer {
	return biller.NewImporter(storage, p.Billers, cfg.Billers.BatchSize, log).WithRecorder(m)
}

// ProvidePoller creates the pending transfer poller. Each batch ends with a
// sweep for stalled steps and payments.
func ProvidePoller(cfg *config.Config, payments payment.PaymentDomain, svc management.Service, m *metrics.Metrics, log *zap.Logger) *task.Poller {
	return task.NewPoller(payments, svc, m, log, &task.Config{
		Interval:    cfg.Poller.Interval,
		OlderThan:   cfg.Poller.OlderThan,
		BatchSize:   cfg.Poller.BatchSize,
		Concurrency: cfg.Poller.Concurrency,
	}).WithReconciler(svc)
}

// AppSet provides every application dependency.
var AppSet = wire.NewSet(
	InfraSet,
	LendingSet,
)
