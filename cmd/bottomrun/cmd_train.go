package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bottomrun/internal/ml"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/promotion"
	"github.com/sawpanic/bottomrun/internal/registry"
	"github.com/sawpanic/bottomrun/internal/settings"
)

func newTrainCmd() *cobra.Command {
	var (
		flagPromote  bool
		flagOHLCVCap int
		flagMinTrain int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a bottom classifier from stored bars and register it in staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), flagPromote, flagOHLCVCap, flagMinTrain)
		},
	}
	cmd.Flags().BoolVar(&flagPromote, "promote", false, "Run the promotion gate on the trained candidate")
	cmd.Flags().IntVar(&flagOHLCVCap, "ohlcv-cap", 0, "Override the bar fetch cap for dataset construction")
	cmd.Flags().IntVar(&flagMinTrain, "min-train-labels", 0, "Override the minimum train split size")
	return cmd
}

func runTrain(ctx context.Context, promote bool, ohlcvCap, minTrain int) error {
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
	reg := registry.New(repos.Models)
	if err := reg.Startup(ctx, models.ModelFamilyBottom); err != nil {
		return err
	}

	params := ml.DefaultTrainParams(appConfig.Market.Symbol, appConfig.Market.Interval)
	params.OHLCVCap = settingsStore.Int(settings.KeyTrainingOHLCVCap, params.OHLCVCap)
	params.MinTrainLabels = settingsStore.Int(settings.KeyTrainingMinTrainLabels, params.MinTrainLabels)
	if ohlcvCap > 0 {
		params.OHLCVCap = ohlcvCap
	}
	if minTrain > 0 {
		params.MinTrainLabels = minTrain
	}
	params.Label.Lookahead = settingsStore.Int(settings.KeyLabelerLookahead, params.Label.Lookahead)
	params.Label.Drawdown = settingsStore.Float(settings.KeyLabelerDrawdown, params.Label.Drawdown)
	params.Label.Rebound = settingsStore.Float(settings.KeyLabelerRebound, params.Label.Rebound)

	trainer := ml.NewTrainer(repos.Bars, reg)
	res, err := trainer.TrainBottom(ctx, params)
	if err != nil {
		return err
	}

	if !promote {
		log.Info().Int64("model_id", res.Artifact.ID).Int("version", res.Artifact.Version).
			Msg("Candidate registered in staging; run with --promote to evaluate the gate")
		return nil
	}

	gate := promotion.NewGate(reg, repos.Promotions, settingsStore, promotion.DefaultConfig())
	ev, err := gate.Evaluate(ctx, res.Artifact)
	if err != nil {
		return err
	}
	log.Info().Str("decision", string(ev.Decision)).Str("reason", ev.Reason).
		Float64("auc_improve", ev.AUCImprove).Float64("ece_delta", ev.ECEDelta).
		Msg("Promotion gate evaluated")
	return nil
}
