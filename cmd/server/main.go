package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"

	"konveksi/backend/internal/cache"
	"konveksi/backend/internal/config"
	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/events"
	"konveksi/backend/internal/httpapi"
	"konveksi/backend/internal/metrics"
	"konveksi/backend/internal/replenish"
	"konveksi/backend/internal/service"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/store/memory"
	pgstore "konveksi/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
			logger.Info("schema migrated")
		}
		if err := seedAdmin(ctx, pg, os.Getenv("SEED_ADMIN_PASSWORD")); err != nil {
			logger.Warn("admin seed skipped", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	m := metrics.New()
	outbox := events.NewOutbox(logger, cfg.OutboxBuffer, m)

	stateCache := cache.StateCache(cache.NoopStateCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, scheduler state stays in memory and stock events are not mirrored", zap.Error(err))
			_ = client.Close()
		} else {
			stateCache = cache.NewRedisStateCache(client, cfg.RedisStateKey)
			outbox.Subscribe("redis-stream", events.NewRedisStreamPublisher(client, cfg.RedisStockStream))
			closers = append(closers, client.Close)
			logger.Info("redis: state snapshots and stock stream enabled", zap.String("addr", cfg.RedisAddr))
		}
	}

	svc := service.New(repo, service.Options{
		Logger:     logger,
		Metrics:    m,
		Publisher:  outbox,
		StateCache: stateCache,
		DefaultSettings: domain.ThroughputSettings{
			DailyCapacity:   cfg.FactoryDailyCapacity,
			WorkHoursPerDay: cfg.FactoryWorkHoursPerDay,
		},
	})
	if err := svc.RestoreState(ctx); err != nil {
		logger.Warn("scheduler state not restored, starting from store order", zap.Error(err))
	}

	evaluator := replenish.NewEvaluator(repo, svc, replenish.Config{
		DefaultThreshold: cfg.ReplenishDefaultThreshold,
		DefaultTarget:    cfg.ReplenishDefaultTarget,
		CountOpenOrders:  cfg.ReplenishCountOpenOrders,
	}, logger, m)
	outbox.Subscribe("auto-replenish", evaluator)
	outbox.Start(context.Background())

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
		Metrics:       m.Handler(),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("factory scheduler listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := outbox.Close(shutdownCtx); err != nil {
		logger.Warn("stock events left undelivered", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func initLogger(level string, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if format != "json" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.FactoryDailyCapacity < 1 || cfg.FactoryWorkHoursPerDay < 1 || cfg.FactoryWorkHoursPerDay > 24 {
		return fmt.Errorf("FACTORY_DAILY_CAPACITY must be >= 1 and FACTORY_WORK_HOURS_PER_DAY within 1..24")
	}
	return nil
}

type userSeeder interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// seedAdmin creates the first admin account on an empty user table.
func seedAdmin(ctx context.Context, users userSeeder, password string) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if len(password) < 8 {
		return errors.New("no users exist and SEED_ADMIN_PASSWORD is shorter than 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return users.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      httpapi.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
}
