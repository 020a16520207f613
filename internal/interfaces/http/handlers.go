package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/calibration"
	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/inference"
	"github.com/sawpanic/bottomrun/internal/labeler"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/registry"
	"github.com/sawpanic/bottomrun/internal/scheduler"
)

// Response status kinds.
const (
	StatusOK                   = "ok"
	StatusNoData               = "no_data"
	StatusNoModel              = "no_model"
	StatusInsufficientFeatures = "insufficient_features"
)

// deltaDefaultLimit caps /delta pages when the caller does not.
const deltaDefaultLimit = 1000

// Handlers owns the endpoint implementations.
type Handlers struct {
	engine  *inference.Engine
	labeler *labeler.Labeler
	monitor *calibration.Monitor
	bars    persistence.BarsRepo
	signals persistence.SignalsRepo
	reg     *registry.Registry
	health  persistence.RepositoryHealth
	sched   *scheduler.Scheduler
	metrics *MetricsRegistry

	symbol   string
	interval string
}

// NewHandlers wires the endpoint dependencies.
func NewHandlers(engine *inference.Engine, lab *labeler.Labeler, mon *calibration.Monitor,
	bars persistence.BarsRepo, signals persistence.SignalsRepo, reg *registry.Registry,
	health persistence.RepositoryHealth, sched *scheduler.Scheduler, metrics *MetricsRegistry,
	symbol, interval string) *Handlers {
	return &Handlers{
		engine: engine, labeler: lab, monitor: mon,
		bars: bars, signals: signals, reg: reg,
		health: health, sched: sched, metrics: metrics,
		symbol: symbol, interval: interval,
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]string{"error": reason})
}

// Predict serves GET /predict.
func (h *Handlers) Predict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if target := q.Get("target"); target != "" && target != labeler.TargetBottom {
		writeError(w, http.StatusBadRequest, "unsupported_target")
		return
	}

	use := q.Get("use")
	if use != "" && use != "latest" && use != "production" {
		writeError(w, http.StatusBadRequest, "invalid_use")
		return
	}
	if use == "production" {
		use = "" // default path already prefers production
	}
	version := 0
	if v := q.Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_version")
			return
		}
		version = parsed
	}

	p, err := h.engine.PredictVariant(r.Context(), use, version)
	if err != nil {
		switch {
		case errors.Is(err, features.ErrNoData):
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": StatusNoData,
				"hint":   "insufficient closed bars, wait for warmup or run backfill",
			})
		case errors.Is(err, inference.ErrNoModel):
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": StatusNoModel,
				"hint":   "train a model first",
			})
		default:
			// NaN-gated snapshots surface as insufficient features.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": StatusInsufficientFeatures,
				"hint":   err.Error(),
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              StatusOK,
		"probability":         p.Probability,
		"decision":            p.Decision,
		"threshold":           p.Threshold,
		"model_version":       p.ModelVersion,
		"used_production":     p.UsedProduction,
		"feature_age_seconds": time.Since(p.FeatureCloseTime).Seconds(),
	})
}

// LabelerRun serves POST /labeler/run.
func (h *Handlers) LabelerRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if target := q.Get("target"); target != "" && target != labeler.TargetBottom {
		writeError(w, http.StatusBadRequest, "unsupported_target")
		return
	}

	minAge := time.Duration(0)
	if v := q.Get("min_age_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "invalid_min_age_seconds")
			return
		}
		minAge = time.Duration(secs) * time.Second
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}

	var override *models.LabelParams
	if q.Get("lookahead") != "" || q.Get("drawdown") != "" || q.Get("rebound") != "" {
		params, err := parseLabelParams(q.Get("lookahead"), q.Get("drawdown"), q.Get("rebound"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		override = params
	}

	res, err := h.labeler.RunOnce(r.Context(), minAge, limit, override)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        StatusOK,
		"labeled_count": res.Labeled,
		"pending_count": res.Pending,
	})
}

func parseLabelParams(lookahead, drawdown, rebound string) (*models.LabelParams, error) {
	if lookahead == "" || drawdown == "" || rebound == "" {
		return nil, errors.New("label_params_require_all_of_lookahead_drawdown_rebound")
	}
	h, err := strconv.Atoi(lookahead)
	if err != nil || h <= 0 {
		return nil, errors.New("invalid_lookahead")
	}
	d, err := strconv.ParseFloat(drawdown, 64)
	if err != nil || d <= 0 {
		return nil, errors.New("invalid_drawdown")
	}
	r, err := strconv.ParseFloat(rebound, 64)
	if err != nil || r <= 0 {
		return nil, errors.New("invalid_rebound")
	}
	return &models.LabelParams{Lookahead: h, Drawdown: d, Rebound: r}, nil
}

// CalibrationLive serves GET /calibration/live.
func (h *Handlers) CalibrationLive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := time.Duration(0)
	if v := q.Get("window_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_window_seconds")
			return
		}
		window = time.Duration(secs) * time.Second
	}
	bins := 0
	if v := q.Get("bins"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_bins")
			return
		}
		bins = parsed
	}

	// Absent the query flag, the calibration.eager.enabled setting decides.
	eager := h.labeler.EagerDefault()
	if v := q.Get("eager_label"); v != "" {
		eager = v == "true"
	}

	attemptedEager := false
	result, err := h.monitor.Live(r.Context(), window, bins)
	if errors.Is(err, calibration.ErrNoData) && eager {
		attemptedEager = true
		eagerMinAge := time.Duration(0)
		if v := q.Get("eager_min_age_seconds"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil && secs >= 0 {
				eagerMinAge = time.Duration(secs) * time.Second
			}
		}
		eagerLimit := 0
		if v := q.Get("eager_limit"); v != "" {
			if parsed, perr := strconv.Atoi(v); perr == nil {
				eagerLimit = parsed
			}
		}
		if _, lerr := h.labeler.RunEager(r.Context(), eagerMinAge, eagerLimit); lerr != nil {
			log.Warn().Err(lerr).Msg("Eager labeling pass failed")
		}
		result, err = h.monitor.Live(r.Context(), window, bins)
	}

	if err != nil {
		if errors.Is(err, calibration.ErrNoData) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":                StatusNoData,
				"attempted_eager_label": attemptedEager,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.LiveECE.Set(result.ECE)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                StatusOK,
		"ece":                   result.ECE,
		"mce":                   result.MCE,
		"brier":                 result.Brier,
		"reliability_bins":      result.ReliabilityBins,
		"sample_count":          result.SampleCount,
		"attempted_eager_label": attemptedEager,
	})
}

// Delta serves GET /delta: closed bars appended after the caller's last
// known open_time. Repaired rows reappear as candles on replay, so the
// repairs list stays empty under in-place upserts.
func (h *Handlers) Delta(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sinceMs, err := strconv.ParseInt(q.Get("since"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_since")
		return
	}
	since := time.UnixMilli(sinceMs).UTC()

	limit := deltaDefaultLimit
	if v := q.Get("limit"); v != "" {
		if parsed, perr := strconv.Atoi(v); perr == nil && parsed > 0 && parsed < deltaDefaultLimit {
			limit = parsed
		}
	}

	baseFrom, err := h.bars.EarliestOpenTime(r.Context(), h.symbol, h.interval)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": StatusNoData, "candles": []models.Bar{}, "repairs": []models.Bar{},
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	baseTo, err := h.bars.LatestOpenTime(r.Context(), h.symbol, h.interval)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if since.Before(baseFrom) {
		writeError(w, http.StatusBadRequest, "since_out_of_range")
		return
	}

	interval := models.IntervalDuration(h.interval)
	candles, err := h.bars.ListRange(r.Context(), h.symbol, h.interval,
		persistence.TimeRange{From: since.Add(interval), To: baseTo}, limit+1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	truncated := false
	if len(candles) > limit {
		candles = candles[:limit]
		truncated = true
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"base_from": baseFrom.UnixMilli(),
		"base_to":   baseTo.UnixMilli(),
		"candles":   candles,
		"repairs":   []models.Bar{},
		"truncated": truncated,
	})
}

// MonitorStatus serves POST /monitor/calibration/status.
func (h *Handlers) MonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Status())
}

// Models serves GET /models.
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	artifacts, err := h.reg.ListRecent(r.Context(), models.ModelFamilyBottom, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": artifacts})
}

// Signals serves GET /signals.
func (h *Handlers) Signals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	sigs, err := h.signals.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pos, err := h.signals.GetPosition(r.Context(), h.symbol)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": sigs, "position": pos})
}

// Health serves GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	check := h.health.Health(ctx)
	payload := map[string]interface{}{
		"healthy":  check.Healthy,
		"database": check,
		"ts":       time.Now().UTC(),
	}
	if h.sched != nil {
		payload["jobs"] = h.sched.Status()
	}
	if h.metrics != nil {
		payload["pipeline"] = map[string]float64{
			"bars_ingested":     CounterValue(h.metrics.BarsIngested),
			"inference_emitted": CounterValue(h.metrics.InferenceEmitted),
			"labels_resolved":   CounterValue(h.metrics.LabelsResolved),
		}
	}

	code := http.StatusOK
	if !check.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// NotFound is the JSON 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found")
}
