package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/outbox"
)

func newRegisterCmd(env func() *Env) *cobra.Command {
	var (
		owner, name, state, city string
		budget                   float64
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or update an owner profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := domain.RegisterOwnerInput{OwnerID: owner, DisplayName: name, State: state, City: city}
			if cmd.Flags().Changed("budget") {
				in.CarbonBudgetKg = &budget
			}
			profile, err := env().Service.RegisterOwner(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profileOutput(profile))
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&state, "state", "", "state or region")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().Float64Var(&budget, "budget", 0, "monthly carbon budget in kg")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newLogCmd(env func() *Env) *cobra.Command {
	var (
		owner, category, subtype, unit, state, occurred string
		quantity                                        float64
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Log an activity for an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := domain.ParseCategory(category)
			if err != nil {
				return err
			}
			details, err := domain.NewDetails(cat, subtype, quantity, unit)
			if err != nil {
				return err
			}
			in := domain.LogActivityInput{
				OwnerID: owner,
				Details: details,
				State:   domain.ProcessingState(state),
			}
			if occurred != "" {
				if in.OccurredAt, err = time.Parse(time.RFC3339, occurred); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			activity, _, err := env().Service.LogActivity(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":               activity.ID,
				"category":         activity.Category,
				"subtype":          activity.Subtype,
				"quantity":         activity.Quantity,
				"unit":             activity.Unit,
				"footprint_kg":     activity.FootprintKg,
				"footprint_source": activity.FootprintSource,
				"state":            activity.State,
				"occurred_at":      activity.OccurredAt,
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&category, "category", "", "transport, energy, food, consumption or waste")
	cmd.Flags().StringVar(&subtype, "subtype", "", "mode, source, diet type, purchase category or waste type")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "distance, usage, servings, amount or weight")
	cmd.Flags().StringVar(&unit, "unit", "", "unit of quantity")
	cmd.Flags().StringVar(&state, "state", "", "manual (default), iot or pending")
	cmd.Flags().StringVar(&occurred, "at", "", "RFC 3339 occurrence time (default now)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newSyncCmd(env func() *Env) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fold an owner's pending activities into their progression",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := env().Service.SyncPending(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"processed":         res.Processed,
				"xp_gained":         res.XPGained,
				"coins_gained":      res.CoinsGained,
				"emission_added_kg": res.EmissionAddedKg,
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatsCmd(env func() *Env) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show an owner's gamification stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := env().Service.GamificationStats(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newDashboardCmd(env func() *Env) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show an owner's emission dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := env().Service.Dashboard(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newLeaderboardCmd(env func() *Env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the top owners by XP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := env().Service.Leaderboard(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if _, err := fmt.Fprintf(out, "%3d  %-24s  xp=%-6d level=%-3d streak=%-3d emission=%.2fkg\n",
					e.Rank, e.DisplayName, e.XP, e.Level, e.Streak, e.LifetimeEmissionKg); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of entries (1-100)")
	return cmd
}

func newRankCmd(env func() *Env) *cobra.Command {
	var owner, scope string
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Show an owner's rank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := domain.ParseRankScope(scope)
			if err != nil {
				return err
			}
			res, err := env().Service.RankOf(cmd.Context(), owner, s)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&scope, "scope", "global", "global, state or city")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newImpactCmd(env func() *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "impact",
		Short: "Show population-wide emission totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			impact, err := env().Service.GlobalImpact(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), impact)
		},
	}
}

func newDLQCmd(env func() *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Replay the outbox dead-letter queue",
	}

	var batch int
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Requeue due dead-lettered events into the outbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := env()
			if e.Pool == nil {
				return errNoPostgres
			}
			manager := outbox.NewDLQManager(e.Pool, e.Logger, e.Config.DLQMaxRetries, e.Config.DLQBaseDelay)
			processed, err := manager.RunOnce(cmd.Context(), batch)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "processed %d dead-lettered events\n", processed)
			return err
		},
	}
	retry.Flags().IntVar(&batch, "batch", 50, "maximum entries to process")
	cmd.AddCommand(retry)
	return cmd
}

// profileOutput flattens a profile for display.
func profileOutput(p domain.Profile) map[string]any {
	out := map[string]any{
		"owner_id":             p.OwnerID,
		"display_name":         p.DisplayName,
		"state":                p.State,
		"city":                 p.City,
		"carbon_budget_kg":     p.CarbonBudgetKg,
		"xp":                   p.Progression.XP,
		"level":                p.Progression.Level(),
		"eco_coins":            p.Progression.EcoCoins,
		"current_streak":       p.Progression.CurrentStreak,
		"lifetime_emission_kg": p.Progression.LifetimeEmissionKg,
	}
	if !p.Progression.LastActivityDate.IsZero() {
		out["last_activity_date"] = p.Progression.LastActivityDate.Format(time.DateOnly)
	}
	return out
}
