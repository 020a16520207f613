package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bottomrun/internal/cache"
	"github.com/sawpanic/bottomrun/internal/calibration"
	"github.com/sawpanic/bottomrun/internal/exchange"
	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/inference"
	"github.com/sawpanic/bottomrun/internal/ingest"
	httpapi "github.com/sawpanic/bottomrun/internal/interfaces/http"
	"github.com/sawpanic/bottomrun/internal/labeler"
	"github.com/sawpanic/bottomrun/internal/ml"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence/postgres"
	"github.com/sawpanic/bottomrun/internal/promotion"
	"github.com/sawpanic/bottomrun/internal/registry"
	"github.com/sawpanic/bottomrun/internal/risk"
	"github.com/sawpanic/bottomrun/internal/scheduler"
	"github.com/sawpanic/bottomrun/internal/settings"
	"github.com/sawpanic/bottomrun/internal/trading"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full platform: ingestion, inference, labeling, monitoring, HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	symbol, interval := cfg.Market.Symbol, cfg.Market.Interval

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewManager(postgres.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	repos := db.Repos()

	// Settings and registry boot first: consumers read through them.
	settingsStore := settings.NewStore(repos.Settings)
	if err := settingsStore.Load(ctx); err != nil {
		return err
	}
	reg := registry.New(repos.Models)
	if err := reg.Startup(ctx, models.ModelFamilyBottom); err != nil {
		return err
	}

	metrics := httpapi.NewMetricsRegistry()
	hotCache := cache.NewAuto()

	// Market data path.
	rest := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:        cfg.Exchange.RESTBaseURL,
		RequestsPerSec: cfg.Exchange.RequestsPerSec,
		Burst:          cfg.Exchange.Burst,
		Timeout:        15 * time.Second,
	})
	ingestor := ingest.New(repos.Bars, repos.Gaps, rest, hotCache, ingest.DefaultConfig(symbol, interval))
	ingestor.OnClose(func(models.Bar) { metrics.BarsIngested.Inc() })
	ingestor.OnDedupe(func() { metrics.BarsDeduped.Inc() })
	ingestor.OnGapFound(func() { metrics.GapsFound.Inc() })

	// Model serving path.
	featureEngine := features.NewEngine(repos.Bars, repos.Features, symbol, interval)
	featureEngine.OnSkip(func() { metrics.FeaturesSkipped.Inc() })

	logQueue := inference.NewLogQueue(repos.Inference)
	logQueue.OnDrop(func() { metrics.InferenceDropped.Inc() })
	defer logQueue.Close()

	engine := inference.NewEngine(featureEngine, reg, settingsStore, logQueue,
		inference.DefaultConfig(symbol, interval))
	engine.OnEmit(func() { metrics.InferenceEmitted.Inc() })

	// Labeling and calibration.
	lab := labeler.New(repos.Inference, repos.Bars, settingsStore, labeler.DefaultConfig(symbol, interval))
	lab.OnPending(func() { metrics.LabelsPending.Inc() })
	lab.OnLabeled(func() { metrics.LabelsResolved.Inc() })
	monitor := calibration.NewMonitor(repos.Inference, reg, settingsStore,
		calibration.DefaultConfig(symbol, interval))

	// Trading path.
	riskMgr := risk.NewManager(settingsStore, risk.DefaultLimits(), cfg.Trading.StartingEquity)
	broker := exchange.NewPaperBroker(exchange.PaperConfig{
		SlippageBps: cfg.Trading.SlippageBps,
		FeeBps:      cfg.Trading.FeeBps,
	})
	exitPolicy := trading.NewExitPolicy(settingsStore, trading.DefaultExitConfig())
	controller := trading.NewController(repos.Signals, repos.Bars, riskMgr, broker, exitPolicy,
		settingsStore, trading.Config{Symbol: symbol, Interval: interval,
			BaseSize: cfg.Trading.BaseSize, ATRPeriod: 14})
	controller.OnSignal(func(sigType string, status models.SignalStatus) {
		metrics.Signals.WithLabelValues(sigType, string(status)).Inc()
	})
	if err := controller.Restore(ctx); err != nil {
		return err
	}

	engine.OnCandidate(func(p inference.Prediction) {
		if err := controller.HandleCandidate(ctx, p.Probability, p.Threshold); err != nil {
			log.Error().Err(err).Msg("Candidate handling failed")
		}
	})
	ingestor.OnClose(func(bar models.Bar) {
		if err := controller.OnBarClose(ctx, bar); err != nil {
			log.Error().Err(err).Msg("Bar close handling failed")
		}
	})

	// Periodic loops.
	sched := scheduler.New()
	sched.OnTick(func(job, result string, took time.Duration) {
		metrics.StepDuration.WithLabelValues(job, result).Observe(took.Seconds())
	})
	sched.Register("inference", engine.LoopInterval, engine.Tick)
	sched.Register("labeler", func() time.Duration {
		return settingsStore.Seconds(settings.KeyLabelerInterval, 30*time.Second)
	}, lab.Tick)
	sched.Register("calibration", func() time.Duration {
		return settingsStore.Seconds(settings.KeyCalibMonWindow, time.Hour) / 12
	}, func(ctx context.Context) error {
		err := monitor.Tick(ctx)
		status := monitor.Status()
		metrics.DriftStreak.WithLabelValues("abs").Set(float64(status.AbsStreak))
		metrics.DriftStreak.WithLabelValues("rel").Set(float64(status.RelStreak))
		return err
	})
	sched.Register("ingest_upkeep", scheduler.Fixed(30*time.Second), ingestor.Tick)

	// Automatic retraining is opt-in; the gate records every outcome and
	// only criteria-passing candidates move the production pointer.
	trainer := ml.NewTrainer(repos.Bars, reg)
	gate := promotion.NewGate(reg, repos.Promotions, settingsStore, promotion.DefaultConfig())
	sched.Register("retrain", func() time.Duration {
		return settingsStore.Seconds(settings.KeyTrainingAutoInterval, 6*time.Hour)
	}, func(ctx context.Context) error {
		if !settingsStore.Bool(settings.KeyTrainingAutoEnabled, false) {
			return nil
		}
		params := ml.DefaultTrainParams(symbol, interval)
		params.OHLCVCap = settingsStore.Int(settings.KeyTrainingOHLCVCap, params.OHLCVCap)
		params.MinLabels = settingsStore.Int(settings.KeyTrainingMinLabels, params.MinLabels)
		params.MinTrainLabels = settingsStore.Int(settings.KeyTrainingMinTrainLabels, params.MinTrainLabels)
		res, err := trainer.TrainBottom(ctx, params)
		if err != nil {
			if errors.Is(err, ml.ErrInsufficientData) {
				return nil
			}
			return err
		}
		ev, err := gate.Evaluate(ctx, res.Artifact)
		if err != nil {
			return err
		}
		metrics.Promotions.WithLabelValues(string(ev.Decision)).Inc()
		return nil
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Live stream.
	stream := exchange.NewStreamClient(exchange.StreamConfig{
		BaseURL:          cfg.Exchange.WSBaseURL,
		Symbol:           symbol,
		Interval:         interval,
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      90 * time.Second,
		MaxBackoff:       60 * time.Second,
	}, func(u exchange.BarUpdate) {
		ingestor.HandleUpdate(ctx, u)
	})
	stream.OnReconnect(func() {
		if err := ingestor.CatchUp(ctx); err != nil {
			log.Error().Err(err).Msg("Stream catch-up failed")
		}
	})
	go stream.Run(ctx)

	// HTTP API.
	handlers := httpapi.NewHandlers(engine, lab, monitor, repos.Bars, repos.Signals, reg,
		db, sched, metrics, symbol, interval)
	server := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		APIKey:       cfg.HTTP.APIKey,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, handlers, metrics)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info().Str("symbol", symbol).Str("interval", interval).
		Str("addr", server.Address()).Msg("bottomrun serving")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
