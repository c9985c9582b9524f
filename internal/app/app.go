// Package app wires configuration, connections and services into a runnable API.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"atlas-ledger/internal/application/allocator"
	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/compliance"
	"atlas-ledger/internal/application/deposits"
	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/application/kyc"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/notifications"
	"atlas-ledger/internal/application/offers"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/application/vaults"
	"atlas-ledger/internal/config"
	"atlas-ledger/internal/infrastructure/database"
	"atlas-ledger/internal/infrastructure/locks"
	"atlas-ledger/internal/infrastructure/messaging"
	"atlas-ledger/internal/interfaces/router"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const balanceCacheTTL = 10 * time.Minute

// App is the running service.
type App struct {
	Config     *config.Config
	Fiber      *fiber.App
	Services   *router.Services
	Sweeper    *operations.Sweeper
	Reconciler *ledger.Reconciler

	publisher *messaging.RabbitMQPublisher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New opens Postgres, Redis and (when configured) RabbitMQ, migrates the schema and builds the app.
func New(cfg *config.Config) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	db, err := database.Open(cfg.DatabaseURL, database.Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	var pub *messaging.RabbitMQPublisher
	if cfg.RabbitMQURL != "" {
		pub, err = messaging.NewRabbitMQPublisher(messaging.Config{URL: cfg.RabbitMQURL, Exchange: cfg.RabbitMQExchange})
		if err != nil {
			return nil, err
		}
	}

	var publisher notifications.Publisher
	if pub != nil {
		publisher = pub
	}
	svc := Build(cfg, db, rdb, publisher)
	return &App{
		Config:     cfg,
		Fiber:      router.CreateApp(cfg, svc),
		Services:   svc,
		Sweeper:    operations.NewSweeper(svc.Engine, cfg.OperationStaleAfter, cfg.SweepInterval),
		Reconciler: ledger.NewReconciler(svc.Ledger, cfg.CacheVerifyInterval),
		publisher:  pub,
	}, nil
}

// Build wires the services on open connections. rdb and publisher may be nil.
func Build(cfg *config.Config, db *gorm.DB, rdb *redis.Client, publisher notifications.Publisher) *router.Services {
	var cache ledger.BalanceCache
	if rdb != nil {
		cache = ledger.NewRedisBalanceCache(rdb, balanceCacheTTL)
	}
	store := ledger.NewStore(db, cache)
	auditLog := audit.NewLog(db)

	var locker locks.Locker = locks.NewKeyedMutex()
	if cfg.LockBackend == "redis" && rdb != nil {
		locker = locks.NewRedisLocker(rdb, locks.DefaultRedisOptions())
	}
	engine := operations.NewEngine(db, store, idempotency.NewRegistry(db), locker, auditLog)
	if cfg.IdempotencyWait > 0 {
		engine.WaitTimeout = cfg.IdempotencyWait
	}

	var gate kyc.Gate = kyc.AllowAll{}
	if cfg.KYCRequired && rdb != nil {
		gate = kyc.NewRedisGate(rdb)
	}

	var sinks []notifications.Sink
	if publisher != nil {
		sinks = append(sinks, notifications.BrokerSink{Publisher: publisher})
	}
	if cfg.SendinblueAPIKey != "" {
		sinks = append(sinks, notifications.EmailSink{Mailer: &notifications.BrevoClient{APIKey: cfg.SendinblueAPIKey, MailFrom: cfg.MailFrom}})
	}
	dispatcher := notifications.NewDispatcher(cfg.NotificationBuffer, sinks...)
	engine.Notifier = dispatcher

	dep := deposits.NewService(db, engine, store, cfg.ComplianceHoldThreshold)
	if cfg.StripeSecretKey != "" {
		dep.Intents = &deposits.StripeIntentCreator{SecretKey: cfg.StripeSecretKey}
	}

	return &router.Services{
		DB:         db,
		Rdb:        rdb,
		Ledger:     store,
		Engine:     engine,
		Audit:      auditLog,
		Offers:     offers.NewService(db, locker, auditLog),
		Allocator:  allocator.NewService(db, engine, store, gate),
		Vaults:     vaults.NewService(db, engine, store, auditLog, gate),
		Deposits:   dep,
		Compliance: compliance.NewService(db, engine, store, auditLog),
		Dispatcher: dispatcher,
	}
}

// Start launches the notification workers, the stale-operation sweeper and, when balances are
// cached, the cache reconciler.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Services.Dispatcher.Start(a.Config.NotificationWorkers)
	if a.Sweeper != nil && a.Config.OperationStaleAfter > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Sweeper.Run(ctx)
		}()
	}
	if a.Reconciler != nil && a.Services.Ledger.Cache != nil && a.Config.CacheVerifyInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Reconciler.Run(ctx)
		}()
	}
}

// Shutdown stops accepting requests, then drains background work and closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Fiber.ShutdownWithContext(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Services.Dispatcher.Close()
	if a.publisher != nil {
		if cerr := a.publisher.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close RabbitMQ publisher")
		}
	}
	if a.Services.Rdb != nil {
		_ = a.Services.Rdb.Close()
	}
	if sqlDB, derr := a.Services.DB.DB(); derr == nil {
		_ = sqlDB.Close()
	}
	return err
}
