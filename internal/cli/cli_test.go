package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/ecoprogress/internal/config"
	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/persistence/memory"
)

// sharedEnv returns an opener whose Env survives across invocations so a test
// can chain commands against one in-memory store.
func sharedEnv(t *testing.T) Opener {
	t.Helper()
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	svc := domain.NewService(memory.NewRepository(),
		domain.WithClock(func() time.Time { return now }),
		domain.WithLocation(time.UTC),
	)
	return func(_ context.Context, cfg config.Config) (*Env, error) {
		return &Env{Config: cfg, Service: svc, Logger: zap.NewNop()}, nil
	}
}

func run(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open, func() config.Config { return config.Config{StorageDriver: config.StorageMemory} })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRegisterLogAndStats(t *testing.T) {
	open := sharedEnv(t)

	_, err := run(t, open, "register", "--owner", "o1", "--name", "Asha", "--state", "Goa", "--budget", "120")
	require.NoError(t, err)

	out, err := run(t, open, "log", "--owner", "o1", "--category", "transport", "--subtype", "bus", "--quantity", "20")
	require.NoError(t, err)
	var logged map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &logged))
	require.InDelta(t, 4.0, logged["footprint_kg"], 1e-9)

	out, err = run(t, open, "stats", "--owner", "o1")
	require.NoError(t, err)
	var stats domain.GamificationStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.EqualValues(t, 20, stats.XP)
	require.Equal(t, 1, stats.CurrentStreak)

	out, err = run(t, open, "rank", "--owner", "o1", "--scope", "state")
	require.NoError(t, err)
	var rank domain.RankResult
	require.NoError(t, json.Unmarshal([]byte(out), &rank))
	require.Equal(t, 1, rank.Rank)
	require.Equal(t, "Goa", rank.Value)

	out, err = run(t, open, "leaderboard")
	require.NoError(t, err)
	require.Contains(t, out, "Asha")

	_, err = run(t, open, "dashboard", "--owner", "o1")
	require.NoError(t, err)
	_, err = run(t, open, "impact")
	require.NoError(t, err)
}

func TestPendingThenSync(t *testing.T) {
	open := sharedEnv(t)
	_, err := run(t, open, "register", "--owner", "o2", "--name", "Ravi")
	require.NoError(t, err)

	_, err = run(t, open, "log", "--owner", "o2", "--category", "waste", "--subtype", "plastic", "--quantity", "1", "--state", "pending")
	require.NoError(t, err)

	out, err := run(t, open, "sync", "--owner", "o2")
	require.NoError(t, err)
	var res map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.EqualValues(t, 1, res["processed"])
	require.InDelta(t, 1.2, res["emission_added_kg"], 1e-9)
}

func TestCommandErrors(t *testing.T) {
	open := sharedEnv(t)

	_, err := run(t, open, "sync")
	require.ErrorContains(t, err, "owner")

	_, err = run(t, open, "log", "--owner", "ghost", "--category", "energy", "--subtype", "grid", "--quantity", "2")
	require.ErrorIs(t, err, domain.ErrOwnerUnresolved)

	_, err = run(t, open, "log", "--owner", "ghost", "--category", "plasma")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = run(t, open, "dlq", "retry")
	require.ErrorIs(t, err, errNoPostgres)
}

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"register", "log", "sync", "stats", "dashboard", "leaderboard", "rank", "impact", "dlq"} {
		require.True(t, names[want], want)
	}
	var dlq *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "dlq" {
			dlq = c
		}
	}
	require.NotNil(t, dlq)
	require.Len(t, dlq.Commands(), 1)
}
