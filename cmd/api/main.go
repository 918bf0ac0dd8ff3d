package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "payment-switch/internal/api"
	"payment-switch/internal/config"
	"payment-switch/internal/events"
	"payment-switch/internal/logging"
	"payment-switch/internal/models"
	"payment-switch/internal/payments"
	"payment-switch/internal/plugin"
	"payment-switch/internal/queue"
	"payment-switch/internal/rail"
	"payment-switch/internal/ratelimit"
	"payment-switch/internal/receipt"
	"payment-switch/internal/store"
)

// backend is every persistence capability the switch needs. Both stores satisfy it.
type backend interface {
	payments.TransactionStore
	payments.UserStore
	payments.PluginLogStore
	payments.TokenStore
	plugin.Recorder
	plugin.ActivityReader
	plugin.TokenStore
	CreateUser(ctx context.Context, u models.User) (models.User, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("switch stopped", zap.String("event", "shutdown_error"), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	deadLetters := queue.NewDeadLetter(rdb, cfg.DLQName, cfg.DLQMaxLength)

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		publisher = events.NewLogPublisher(logger)
	}
	defer publisher.Close()

	receipts, err := receipt.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init receipts: %w", err)
	}

	paymentPipeline := plugin.NewPipeline(st, logger,
		plugin.NewFXConverter(cfg.BaseCurrency),
		plugin.NewRiskChecker(plugin.DefaultRiskRules(cfg.RiskThresholdAmount), st, st),
	)
	offlinePipeline := plugin.NewPipeline(st, logger, plugin.NewTokenHandler(st, plugin.TokenPolicy{
		MinAmount:               cfg.TokenMinAmount,
		MaxAmount:               cfg.TokenMaxAmount,
		DefaultExpiry:           cfg.TokenDefaultExpiry,
		MaxExpiry:               cfg.TokenMaxExpiry,
		RestrictedMerchantTypes: cfg.TokenRestrictedMerchants,
	}))

	q := queue.New(queue.OptionsFromConfig(cfg), logger)
	q.AddListener(deadLetters.Listener(logger))

	orch, err := payments.New(payments.SettingsFromConfig(cfg), payments.Dependencies{
		Queue:           q,
		Transactions:    st,
		Users:           st,
		PluginLogs:      st,
		Tokens:          st,
		PaymentPipeline: paymentPipeline,
		OfflinePipeline: offlinePipeline,
		Rail:            rail.NewSimulated(rail.SettingsFromConfig(cfg), logger),
		Events:          publisher,
		Receipts:        receipts,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	server := api.New(orch, q, deadLetters, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("event", "http_listening"), zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return cleanupLoop(gctx, orch, cfg.TokenCleanupInterval, logger)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func(), error) {
	if cfg.StoreDriver == "memory" {
		mem := store.NewMemory()
		seedDemoUser(ctx, mem, logger)
		return mem, func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.RunMigrations(ctx, logger); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return pg, pg.Close, nil
}

// seedDemoUser gives a memory-backed switch one wallet to pay from.
func seedDemoUser(ctx context.Context, st backend, logger *zap.Logger) {
	u, err := st.CreateUser(ctx, models.User{
		Email:         "demo@example.com",
		Phone:         "+60100000000",
		Name:          "Demo User",
		Status:        models.UserActive,
		WalletBalance: 10000,
		DailyLimit:    5000,
	})
	if err != nil {
		logger.Warn("seed demo user failed", zap.String("event", "seed_failed"), zap.Error(err))
		return
	}
	logger.Info("seeded demo user", zap.String("event", "seed_user"), zap.String("user_id", u.ID), zap.String("email", u.Email))
}

// cleanupLoop queues a token expiry sweep every interval.
func cleanupLoop(ctx context.Context, orch *payments.Orchestrator, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := orch.ScheduleTokenCleanup(); err != nil {
				logger.Warn("token cleanup not scheduled", zap.String("event", "cleanup_enqueue_failed"), zap.Error(err))
			}
		}
	}
}
