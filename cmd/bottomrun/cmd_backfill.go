package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bottomrun/internal/cache"
	"github.com/sawpanic/bottomrun/internal/exchange"
	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/ingest"
	"github.com/sawpanic/bottomrun/internal/models"
)

func newBackfillCmd() *cobra.Command {
	var (
		flagFrom     string
		flagTo       string
		flagDays     int
		flagFeatures bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch historical bars over REST and optionally derive features",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context(), flagFrom, flagTo, flagDays, flagFeatures)
		},
	}
	cmd.Flags().StringVar(&flagFrom, "from", "", "Range start (RFC3339)")
	cmd.Flags().StringVar(&flagTo, "to", "", "Range end (RFC3339), defaults to now")
	cmd.Flags().IntVar(&flagDays, "days", 7, "Lookback in days when --from is not set")
	cmd.Flags().BoolVar(&flagFeatures, "features", true, "Derive feature snapshots after the fetch")
	return cmd
}

func runBackfill(ctx context.Context, fromStr, toStr string, days int, withFeatures bool) error {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days)
	to := now
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !to.After(from) {
		return fmt.Errorf("--to must be after --from")
	}

	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	repos := db.Repos()

	symbol, interval := appConfig.Market.Symbol, appConfig.Market.Interval
	rest := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:        appConfig.Exchange.RESTBaseURL,
		RequestsPerSec: appConfig.Exchange.RequestsPerSec,
		Burst:          appConfig.Exchange.Burst,
		Timeout:        15 * time.Second,
	})
	ingestor := ingest.New(repos.Bars, repos.Gaps, rest, cache.NewAuto(),
		ingest.DefaultConfig(symbol, interval))

	fetched, err := ingestor.Backfill(ctx, from, to)
	if err != nil {
		return err
	}
	log.Info().Int("bars", fetched).Time("from", from).Time("to", to).Msg("Backfill finished")

	if !withFeatures {
		return nil
	}
	// Cover the whole requested range even when the fetch was a no-op
	// because the bars were already stored.
	target := int(to.Sub(from) / models.IntervalDuration(interval))
	if fetched > target {
		target = fetched
	}
	fe := features.NewEngine(repos.Bars, repos.Features, symbol, interval)
	computed, err := fe.Backfill(ctx, target)
	if err != nil {
		return err
	}
	log.Info().Int("snapshots", computed).Msg("Feature backfill finished")
	return nil
}
