package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/internal/breaker"
	"github.com/ktmed/medessencev2-sub005/internal/gateway"
	"github.com/ktmed/medessencev2-sub005/internal/housekeeping"
	"github.com/ktmed/medessencev2-sub005/internal/permissions"
	"github.com/ktmed/medessencev2-sub005/internal/ratelimit"
	"github.com/ktmed/medessencev2-sub005/internal/tokens"
	"github.com/ktmed/medessencev2-sub005/pkg/config"
	"github.com/ktmed/medessencev2-sub005/pkg/database"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel)

	db, err := database.NewConnection(&cfg.Database, logg)
	if err != nil {
		logg.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.CreateSchema(context.Background()); err != nil {
		logg.WithError(err).Fatal("Failed to create database schema")
	}

	recorder := audit.NewRecorder(audit.NewPostgresStore(db.DB), logg)

	var limitStore ratelimit.Store
	switch cfg.RateLimit.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logg.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()
		retention := time.Duration(cfg.RateLimit.RetentionMins) * time.Minute
		limitStore = ratelimit.NewRedisStore(client, retention, logg)
	default:
		limitStore = ratelimit.NewPostgresStore(db, logg)
	}
	limiter := ratelimit.NewLimiter(limitStore, cfg, logg)

	brk := breaker.New(breaker.NewPostgresStore(db, logg), cfg, logg)

	tokenSvc := tokens.NewService(cfg, logg,
		tokens.NewPostgresUserStore(db.DB),
		tokens.NewPostgresSessionStore(db.DB),
		tokens.NewPostgresRefreshTokenStore(db.DB),
		recorder, tokens.BcryptVerifier{})

	evaluator := permissions.NewEvaluator(permissions.NewPostgresStore(db.DB), recorder, logg)

	svc, err := gateway.NewService(cfg, limiter, tokenSvc, evaluator, brk, recorder, logg)
	if err != nil {
		logg.WithError(err).Fatal("Failed to build gateway")
	}

	scheduler := housekeeping.NewScheduler(cfg.Housekeeping.Interval(), logg)
	scheduler.Register(housekeeping.Task{Name: "expire_sessions", Run: tokenSvc.ExpireSessions})
	scheduler.Register(housekeeping.Task{Name: "revoke_expired_refresh_tokens", Run: tokenSvc.RevokeExpiredRefreshTokens})
	scheduler.Register(housekeeping.Task{Name: "reap_expired_grants", Run: evaluator.ReapExpired})
	scheduler.Register(housekeeping.Task{Name: "evict_rate_limit_windows", Run: limiter.Evict})
	scheduler.Register(housekeeping.Task{Name: "purge_audit_logs", Run: func(ctx context.Context) (int64, error) {
		return recorder.Purge(ctx, time.Duration(cfg.Audit.RetentionDays)*24*time.Hour)
	}})
	if cfg.Housekeeping.Enabled {
		scheduler.Start(context.Background())
	}

	go func() {
		if err := svc.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.WithError(err).Error("Gateway server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("Shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		logg.WithError(err).Error("Failed to shut down gateway gracefully")
	}
}
