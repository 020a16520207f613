package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bottomrun/internal/cache"
	"github.com/sawpanic/bottomrun/internal/exchange"
	"github.com/sawpanic/bottomrun/internal/ingest"
)

func newGapsCmd() *cobra.Command {
	var (
		flagRepair bool
		flagLimit  int
	)
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Scan stored bars for coverage gaps and optionally repair them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGaps(cmd.Context(), flagRepair, flagLimit)
		},
	}
	cmd.Flags().BoolVar(&flagRepair, "repair", false, "Fetch and persist missing bars for open gaps")
	cmd.Flags().IntVar(&flagLimit, "limit", 10, "Maximum gap segments to repair")
	return cmd
}

func runGaps(ctx context.Context, repair bool, limit int) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	repos := db.Repos()

	rest := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:        appConfig.Exchange.RESTBaseURL,
		RequestsPerSec: appConfig.Exchange.RequestsPerSec,
		Burst:          appConfig.Exchange.Burst,
		Timeout:        15 * time.Second,
	})
	ingestor := ingest.New(repos.Bars, repos.Gaps, rest, cache.NewAuto(),
		ingest.DefaultConfig(appConfig.Market.Symbol, appConfig.Market.Interval))

	found, err := ingestor.ScanGaps(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("open_gaps", found).Msg("Gap scan finished")

	if !repair || found == 0 {
		return nil
	}
	repaired, err := ingestor.RepairGaps(ctx, limit)
	if err != nil {
		return err
	}
	log.Info().Int("repaired", repaired).Msg("Gap repair finished")
	return nil
}
