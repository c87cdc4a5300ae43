package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/docs"
	"github.com/creditsledger/backend/internal/audit"
	"github.com/creditsledger/backend/internal/config"
	"github.com/creditsledger/backend/internal/consumer"
	"github.com/creditsledger/backend/internal/database"
	"github.com/creditsledger/backend/internal/handlers"
	"github.com/creditsledger/backend/internal/idempotency"
	"github.com/creditsledger/backend/internal/logger"
	"github.com/creditsledger/backend/internal/router"
	"github.com/creditsledger/backend/internal/services"
	"github.com/creditsledger/backend/internal/store"
	"github.com/creditsledger/backend/internal/webhook"
)

// @title Credits Ledger API
// @version 1.0
// @description Prepaid credit balances, purchases and metered usage
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @securityDefinitions.apikey InternalAPIKey
// @in header
// @name X-Internal-API-Key

func main() {
	configFile := flag.String("config", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log := logger.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped with error")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port

	st, ready, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	idemOpts := idempotency.Options{
		ReservationTTL: cfg.Idempotency.ReservationTTL,
		PollInterval:   cfg.Idempotency.PollInterval,
		MaxWait:        cfg.Idempotency.MaxWait,
	}

	var (
		guard     *idempotency.Guard
		publisher services.EventPublisher
	)
	redisClient := database.InitRedis(ctx, cfg.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
		guard = idempotency.NewRedisGuard(st, redisClient, idemOpts)
		publisher = services.NewRedisPublisher(redisClient, cfg.Ledger.EventQueue)
	} else {
		log.Warn("using in-process reservations; run a single instance")
		guard = idempotency.NewMemoryGuard(st, idemOpts)
	}

	ledger := services.NewLedgerService(st, guard, publisher, audit.NewAuditLogger(log), log)
	queries := services.NewQueryService(st, cfg.Ledger.DefaultHistoryLimit, cfg.Ledger.MaxHistoryLimit)

	handler := router.New(router.Deps{
		Credits:        handlers.NewCreditsHandler(ledger, queries, log),
		Webhooks:       handlers.NewWebhookHandler(ledger, log),
		Verifier:       webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		JWTSecret:      cfg.Auth.JWTSecret,
		InternalAPIKey: cfg.Auth.InternalAPIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          readiness(ready, redisClient, log),
	})

	consumerErr := make(chan error, 1)
	if cfg.RabbitMQ.Enabled {
		c := consumer.New(cfg.RabbitMQ, ledger, log)
		go func() { consumerErr <- c.Run(ctx) }()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	case err := <-consumerErr:
		if err != nil {
			log.WithError(err).Error("payment event consumer stopped")
		}
		<-ctx.Done()
	}

	log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (store.Store, func(context.Context) error, func(), error) {
	if cfg.Driver == "memory" {
		log.Warn("using in-memory store; balances are lost on restart")
		return store.NewMemoryStore(), nil, func() {}, nil
	}

	db, err := database.InitDB(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Migrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		log.Info("database schema up to date")
	}
	return store.NewPostgresStore(db), pingDB(db), func() { db.Close() }, nil
}

func pingDB(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// readiness fails when the database is unreachable. Redis is optional, so a
// lost Redis connection only degrades the service.
func readiness(db func(context.Context) error, rdb *redis.Client, log *logrus.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.WithError(err).Warn("redis ping failed")
			}
		}
		if db == nil {
			return nil
		}
		return db(ctx)
	}
}

func init() {
	// config errors are reported before the configured logger exists
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.JSONFormatter{})
}
