// Package cli implements ecoctl, the operator command line for the
// progression engine.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/ecoprogress/internal/app"
	"example.com/ecoprogress/internal/config"
	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/logging"
	"example.com/ecoprogress/internal/persistence/memory"
	"example.com/ecoprogress/internal/persistence/postgres"
)

// Env is what a command runs against. Pool is nil without Postgres storage.
type Env struct {
	Config  config.Config
	Service *domain.Service
	Pool    *pgxpool.Pool
	Logger  *zap.Logger
	close   func()
}

// Close releases the connections held by e.
func (e *Env) Close() {
	if e != nil && e.close != nil {
		e.close()
	}
}

// Opener builds the Env for one command invocation.
type Opener func(ctx context.Context, cfg config.Config) (*Env, error)

// NewRootCmd creates the ecoctl root command wired to the configured storage.
func NewRootCmd() *cobra.Command {
	return newRootCmd(OpenEnv, config.Load)
}

func newRootCmd(open Opener, load func() config.Config) *cobra.Command {
	var env *Env

	cmd := &cobra.Command{
		Use:           "ecoctl",
		Short:         "Operate the carbon footprint progression engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			if driver, _ := cmd.Flags().GetString("storage"); driver != "" {
				cfg.StorageDriver = driver
			}
			var err error
			env, err = open(cmd.Context(), cfg)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			env.Close()
		},
	}
	cmd.PersistentFlags().String("storage", "", "override STORAGE_DRIVER (postgres or memory)")

	current := func() *Env { return env }
	cmd.AddCommand(
		newRegisterCmd(current),
		newLogCmd(current),
		newSyncCmd(current),
		newStatsCmd(current),
		newDashboardCmd(current),
		newLeaderboardCmd(current),
		newRankCmd(current),
		newImpactCmd(current),
		newDLQCmd(current),
	)
	return cmd
}

// OpenEnv connects to the storage named by cfg and builds the service.
func OpenEnv(ctx context.Context, cfg config.Config) (*Env, error) {
	logger, err := logging.NewLogger("ecoctl")
	if err != nil {
		return nil, err
	}

	var (
		repo domain.Repository
		pool *pgxpool.Pool
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		repo = memory.NewRepository()
	case config.StoragePostgres:
		pool, err = app.OpenPool(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		repo = postgres.NewRepository(pool)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	svc, closeCache, err := app.BuildService(ctx, cfg, repo, logger)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	return &Env{
		Config:  cfg,
		Service: svc,
		Pool:    pool,
		Logger:  logger,
		close: func() {
			_ = closeCache()
			if pool != nil {
				pool.Close()
			}
			_ = logger.Sync()
		},
	}, nil
}

var errNoPostgres = errors.New("command requires postgres storage")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
