package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bottomrun/internal/labeler"
	"github.com/sawpanic/bottomrun/internal/settings"
)

func newLabelCmd() *cobra.Command {
	var (
		flagMinAge time.Duration
		flagLimit  int
	)
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Run one labeling pass over aged inference rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLabel(cmd.Context(), flagMinAge, flagLimit)
		},
	}
	cmd.Flags().DurationVar(&flagMinAge, "min-age", 0, "Minimum row age (raised to the lookahead horizon if shorter)")
	cmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum rows to claim in this pass")
	return cmd
}

func runLabel(ctx context.Context, minAge time.Duration, limit int) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	repos := db.Repos()

	settingsStore := settings.NewStore(repos.Settings)
	if err := settingsStore.Load(ctx); err != nil {
		return err
	}

	lab := labeler.New(repos.Inference, repos.Bars, settingsStore,
		labeler.DefaultConfig(appConfig.Market.Symbol, appConfig.Market.Interval))
	res, err := lab.RunOnce(ctx, minAge, limit, nil)
	if err != nil {
		return err
	}

	remaining, err := lab.PendingCount(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("labeled", res.Labeled).Int("pending", res.Pending).
		Int64("remaining", remaining).Msg("Labeling pass finished")
	return nil
}
