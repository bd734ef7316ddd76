// Package app assembles the long-lived dependencies shared by the server and
// the resync command.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Clark-Hu/crew-ratings/db"
	"github.com/Clark-Hu/crew-ratings/internal/config"
	"github.com/Clark-Hu/crew-ratings/internal/lock"
	"github.com/Clark-Hu/crew-ratings/internal/metrics"
	"github.com/Clark-Hu/crew-ratings/internal/ratingsync"
	"github.com/Clark-Hu/crew-ratings/internal/repository"
	"github.com/Clark-Hu/crew-ratings/internal/store"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Store   *store.Store
	Repo    *repository.Repository
	Metrics *metrics.Metrics
	Sync    *ratingsync.Service
	Redis   *redis.Client

	logger *zap.Logger
}

// New connects to Postgres, applies migrations and, when REDIS_ADDR is set,
// enables the cross-process sync lease.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.New(dbCtx, cfg.DBURL, store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := st.Migrate(dbCtx, db.Migrations); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Store:   st,
		Repo:    repository.New(st),
		Metrics: metrics.New(),
		logger:  logger,
	}
	a.Metrics.ObservePool(st.Stats)

	var locker lock.Locker
	if cfg.RedisEnabled() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(dbCtx).Err(); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.Redis, lock.Options{
			TTL:          time.Duration(cfg.LockTTLSecs) * time.Second,
			PollInterval: time.Duration(cfg.LockPollMillis) * time.Millisecond,
			Logger:       logger,
		})
		logger.Info("cross-process sync lease enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	syncer := ratingsync.NewSyncer(a.Repo.Ratings, a.Repo.Profiles, ratingsync.Options{
		CreateMissingProfile: cfg.ProfileCreateMissing,
		Locker:               locker,
		LockWait:             3 * time.Duration(cfg.LockTTLSecs) * time.Second,
		Logger:               logger,
		Metrics:              a.Metrics,
	})
	a.Sync = ratingsync.NewService(syncer, logger, a.Metrics)
	return a, nil
}

// Close drains queued recomputations before closing connections.
func (a *App) Close(ctx context.Context) {
	if a.Sync != nil {
		if err := a.Sync.Close(ctx); err != nil {
			a.logger.Warn("sync queue did not drain", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	a.Store.Close()
}
