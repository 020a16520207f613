package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds the Prometheus metrics for the bottomrun pipeline.
type MetricsRegistry struct {
	BarsIngested    prometheus.Counter
	BarsDeduped     prometheus.Counter
	GapsFound       prometheus.Counter
	FeaturesSkipped prometheus.Counter

	InferenceEmitted prometheus.Counter
	InferenceDropped prometheus.Counter
	LabelsResolved   prometheus.Counter
	LabelsPending    prometheus.Counter

	Promotions *prometheus.CounterVec
	Signals    *prometheus.CounterVec

	LiveECE      prometheus.Gauge
	DriftStreak  *prometheus.GaugeVec
	StepDuration *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
}

// NewMetricsRegistry creates and registers all pipeline metrics.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		BarsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_bars_ingested_total",
			Help: "Closed bars persisted (inserts and content changes)",
		}),
		BarsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_bars_deduped_total",
			Help: "Replayed bars dropped as identical duplicates",
		}),
		GapsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_gaps_found_total",
			Help: "Gap segments detected in the closed-bar series",
		}),
		FeaturesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_features_skipped_nan_total",
			Help: "Feature snapshots skipped because an input was NaN",
		}),
		InferenceEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_inference_emitted_total",
			Help: "Predictions written to the inference log",
		}),
		InferenceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_inference_dropped_total",
			Help: "Inference rows dropped because the log queue was full",
		}),
		LabelsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_labels_resolved_total",
			Help: "Inference rows transitioned to realized",
		}),
		LabelsPending: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomrun_labels_pending_total",
			Help: "Labeling attempts left pending for missing lookahead bars",
		}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bottomrun_promotions_total",
			Help: "Promotion gate outcomes",
		}, []string{"decision"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bottomrun_signals_total",
			Help: "Trading signals by type and terminal status",
		}, []string{"type", "status"}),
		LiveECE: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bottomrun_calibration_live_ece",
			Help: "Expected calibration error over the live window",
		}),
		DriftStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bottomrun_calibration_drift_streak",
			Help: "Consecutive drift samples by kind",
		}, []string{"kind"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bottomrun_step_duration_seconds",
			Help:    "Duration of pipeline steps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bottomrun_http_requests_total",
			Help: "HTTP requests by route and status class",
		}, []string{"route", "status"}),
	}

	prometheus.MustRegister(
		m.BarsIngested, m.BarsDeduped, m.GapsFound, m.FeaturesSkipped,
		m.InferenceEmitted, m.InferenceDropped, m.LabelsResolved, m.LabelsPending,
		m.Promotions, m.Signals, m.LiveECE, m.DriftStreak, m.StepDuration,
		m.HTTPRequests,
	)
	log.Info().Msg("Prometheus metrics registry initialized")
	return m
}

// Handler serves the Prometheus exposition endpoint.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.Handler()
}

// CounterValue snapshots a plain counter's current value. Used by status
// payloads that report totals without scraping.
func CounterValue(c prometheus.Counter) float64 {
	var snap io_prometheus_client.Metric
	if err := c.Write(&snap); err != nil {
		return 0
	}
	return snap.GetCounter().GetValue()
}
