package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"rsvp-system/config"
	"rsvp-system/internal/services"
	"rsvp-system/internal/store"
	"rsvp-system/internal/store/pbstore"
	"rsvp-system/internal/store/pgstore"
	"rsvp-system/internal/store/redisstore"
	"rsvp-system/utils"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// engine bundles the admission services over the configured backend.
type engine struct {
	admission *services.AdmissionController
	reporter  *services.CapacityReporter
	health    func(ctx context.Context) error
	close     func()
}

type engineDeps struct {
	cfg      *config.Config
	app      core.App
	redis    *redis.Client
	recorder services.Recorder
	notifier services.Notifier
	logger   *slog.Logger
}

func newEngine(ctx context.Context, deps engineDeps) (*engine, error) {
	var (
		s      store.Store
		health = func(context.Context) error { return nil }
		closer = func() {}
	)

	switch deps.cfg.StoreBackend {
	case config.BackendPocketBase:
		s = pbstore.New(deps.app)
		health = func(ctx context.Context) error {
			_, err := deps.app.DB().NewQuery("SELECT 1").WithContext(ctx).Execute()
			return err
		}
	case config.BackendRedis:
		if deps.redis == nil {
			return nil, fmt.Errorf("STORE_BACKEND=%s requires a reachable REDIS_URL", config.BackendRedis)
		}
		s = redisstore.New(deps.redis)
		health = func(ctx context.Context) error {
			return utils.RedisHealthCheck(ctx, deps.redis)
		}
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, deps.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := pgstore.New(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		s = pg
		health = pool.Ping
		closer = pool.Close
	default:
		return nil, fmt.Errorf("unknown store backend %q", deps.cfg.StoreBackend)
	}

	deps.logger.Info("Admission engine ready", "backend", deps.cfg.StoreBackend)

	return &engine{
		admission: services.NewAdmissionController(s, services.AdmissionOptions{
			MaxAttempts: deps.cfg.AdmissionMaxAttempts,
			RetryBase:   deps.cfg.AdmissionRetryBase,
			Logger:      deps.logger,
			Recorder:    deps.recorder,
			Notifier:    deps.notifier,
		}),
		reporter: services.NewCapacityReporter(s, deps.recorder, deps.logger),
		health:   health,
		close:    closer,
	}, nil
}
