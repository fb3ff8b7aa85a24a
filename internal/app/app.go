// Package app holds the constructors shared by the ecoprogress binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"example.com/ecoprogress/internal/cache"
	"example.com/ecoprogress/internal/config"
	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/logging"
	"example.com/ecoprogress/internal/persistence/memory"
	"example.com/ecoprogress/internal/persistence/postgres"
	"example.com/ecoprogress/internal/predictor"
	httptransport "example.com/ecoprogress/internal/transport/http"
)

// LoadEnv loads the first .env found in the working directory or one of its
// two parents. It returns the path loaded, or "" when none exists.
func LoadEnv() string {
	candidates := []string{".env"}
	if wd, err := os.Getwd(); err == nil {
		parent := filepath.Dir(wd)
		candidates = append(candidates, filepath.Join(parent, ".env"), filepath.Join(filepath.Dir(parent), ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs
		}
	}
	return ""
}

// OpenPool creates a pgx pool and verifies the database answers.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Storage is the selected repository. Pool is nil for the in-memory driver.
type Storage struct {
	Repo domain.Repository
	Pool *pgxpool.Pool
}

// ProvideStorage opens the repository named by cfg.StorageDriver and closes
// it with the app.
func ProvideStorage(lc fx.Lifecycle, logger *zap.Logger, cfg config.Config) (Storage, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		return Storage{Repo: memory.NewRepository()}, nil
	case config.StoragePostgres:
	default:
		return Storage{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	pool, err := pgxpool.New(context.Background(), cfg.PostgresURL)
	if err != nil {
		return Storage{}, fmt.Errorf("create postgres pool: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				logger.Error("database ping failed", zap.Error(err))
				return fmt.Errorf("ping postgres: %w", err)
			}
			logger.Info("database connection established")
			return nil
		},
		OnStop: func(context.Context) error {
			pool.Close()
			logger.Info("database connection closed")
			return nil
		},
	})
	return Storage{Repo: postgres.NewRepository(pool), Pool: pool}, nil
}

// BuildService assembles the domain service with its optional predictor and
// leaderboard cache. The returned closer releases the cache connection.
func BuildService(ctx context.Context, cfg config.Config, repo domain.Repository, logger *zap.Logger) (*domain.Service, func() error, error) {
	estimatorOpts := []domain.EstimatorOption{
		domain.WithEstimatorLogger(logger),
		domain.WithPredictionTimeout(cfg.PredictorTimeout),
	}
	if cfg.PredictorURL != "" {
		client := predictor.NewClient(cfg.PredictorURL, cfg.PredictorTimeout)
		if err := client.HealthCheck(ctx); err != nil {
			logger.Warn("footprint predictor unhealthy at startup; static factors apply until it recovers",
				zap.String("url", cfg.PredictorURL), zap.Error(err))
		}
		estimatorOpts = append(estimatorOpts, domain.WithPredictor(client))
	}

	opts := []domain.Option{
		domain.WithLogger(logger),
		domain.WithLocation(cfg.Location()),
		domain.WithEstimator(domain.NewEstimator(estimatorOpts...)),
		domain.WithDefaultBudget(cfg.DefaultCarbonBudget),
		domain.WithTrendMonths(cfg.TrendMonths),
	}

	closer := func() error { return nil }
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, domain.WithLeaderboardCache(cache.NewRedisLeaderboardCache(client, cfg.LeaderboardCacheTTL)))
		closer = client.Close
	}

	return domain.NewService(repo, opts...), closer, nil
}

// ProvideService is the fx constructor around BuildService.
func ProvideService(lc fx.Lifecycle, cfg config.Config, storage Storage, logger *zap.Logger) (*domain.Service, error) {
	svc, closer, err := BuildService(context.Background(), cfg, storage.Repo, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(closer))
	return svc, nil
}

// RunMetrics serves the Prometheus registry on cfg.MetricsAddress.
func RunMetrics(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.MetricsAddress), mux)
	httptransport.Run(lc, srv, logger.Named("metrics"))
}

// ProvideLogger builds the service logger and flushes it on stop.
func ProvideLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.NewLogger(cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
	}))
	return logger, nil
}
