// Package models defines the core entities shared across the bottomrun
// pipeline: bars, feature snapshots, model artifacts, inference logs,
// trading signals, positions and risk sessions.
package models

import (
	"time"
)

// Bar is a single OHLCV candle for a (symbol, interval).
// Only closed bars are durable; the single in-flight partial lives in
// memory inside the ingestor.
type Bar struct {
	Symbol     string    `json:"symbol" db:"symbol"`
	Interval   string    `json:"interval" db:"interval"`
	OpenTime   time.Time `json:"open_time" db:"open_time"`
	CloseTime  time.Time `json:"close_time" db:"close_time"`
	Open       float64   `json:"o" db:"o"`
	High       float64   `json:"h" db:"h"`
	Low        float64   `json:"l" db:"l"`
	Close      float64   `json:"c" db:"c"`
	Volume     float64   `json:"v" db:"v"`
	TradeCount int64     `json:"trade_count" db:"trade_count"`
	IsClosed   bool      `json:"is_closed" db:"is_closed"`
}

// IntervalDuration parses the bar interval ("1m", "5m", "1h") into a duration.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ExpectedCloseTime returns openTime + interval - 1ms, the invariant close
// timestamp for every bar of the given interval.
func ExpectedCloseTime(openTime time.Time, interval string) time.Time {
	return openTime.Add(IntervalDuration(interval)).Add(-time.Millisecond)
}

// SameContent reports whether two bars carry identical OHLCV payloads,
// ignoring the IsClosed flag. Used for idempotent replay.
func (b Bar) SameContent(o Bar) bool {
	return b.Open == o.Open && b.High == o.High && b.Low == o.Low &&
		b.Close == o.Close && b.Volume == o.Volume && b.TradeCount == o.TradeCount
}

// GapSegment is a run of missing open_times derived from the bar table.
type GapSegment struct {
	ID           int64     `json:"id" db:"id"`
	Symbol       string    `json:"symbol" db:"symbol"`
	Interval     string    `json:"interval" db:"interval"`
	FromTS       time.Time `json:"from_ts" db:"from_ts"`
	ToTS         time.Time `json:"to_ts" db:"to_ts"`
	MissingCount int       `json:"missing_count" db:"missing_count"`
	State        GapState  `json:"state" db:"state"`
}

// GapState is the lifecycle state of a gap segment.
type GapState string

const (
	GapOpen      GapState = "open"
	GapRepairing GapState = "repairing"
	GapClosed    GapState = "closed"
)

// FeatureSnapshot holds derived signals keyed by the close_time of the most
// recent bar that contributed to them. Leakage-free: no feature may use data
// with a close_time greater than CloseTime.
type FeatureSnapshot struct {
	Symbol        string             `json:"symbol" db:"symbol"`
	Interval      string             `json:"interval" db:"interval"`
	CloseTime     time.Time          `json:"close_time" db:"close_time"`
	Features      map[string]float64 `json:"features"`
	SchemaVersion string             `json:"schema_version" db:"schema_version"`
}

// ModelStatus is the lifecycle state of a model artifact.
type ModelStatus string

const (
	ModelStaging    ModelStatus = "staging"
	ModelProduction ModelStatus = "production"
	ModelRetired    ModelStatus = "retired"
)

// ModelFamilyBottom is the single model family this platform serves.
const ModelFamilyBottom = "bottom_predictor"

// LabelParams parameterize the bottom-event rule.
type LabelParams struct {
	Lookahead int     `json:"lookahead"`
	Drawdown  float64 `json:"drawdown"`
	Rebound   float64 `json:"rebound"`
}

// ReliabilityBin is one equal-width probability bucket comparing predicted
// vs empirical frequency.
type ReliabilityBin struct {
	Low           float64 `json:"low"`
	High          float64 `json:"high"`
	Count         int     `json:"count"`
	MeanPredProb  float64 `json:"mean_pred_prob"`
	EmpiricalProb float64 `json:"empirical_prob"`
}

// ModelMetrics are the evaluation metrics stored with every artifact.
type ModelMetrics struct {
	AUC             float64          `json:"auc"`
	PRAUC           float64          `json:"pr_auc"`
	Brier           float64          `json:"brier"`
	ECE             float64          `json:"ece"`
	MCE             float64          `json:"mce"`
	ReliabilityBins []ReliabilityBin `json:"reliability_bins"`
	LabelDefinition string           `json:"label_definition"`
	LabelParams     LabelParams      `json:"label_params"`
	ValSamples      int              `json:"val_samples"`
	TrainSamples    int              `json:"train_samples"`
	Positives       int              `json:"positives"`
}

// ModelArtifact is a versioned trained model plus its metrics. Exactly one
// artifact per family holds status=production at any observable instant.
type ModelArtifact struct {
	ID        int64        `json:"id" db:"id"`
	Family    string       `json:"family" db:"family"`
	Version   int          `json:"version" db:"version"`
	Status    ModelStatus  `json:"status" db:"status"`
	Metrics   ModelMetrics `json:"metrics"`
	Blob      []byte       `json:"-" db:"blob"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// Decision values emitted by the inference loop.
const (
	DecisionShort int = -1
	DecisionHold  int = 0
	DecisionLong  int = 1
)

// InferenceLog is one probability emission. Append-only; Realized is set
// exactly once by the labeler.
type InferenceLog struct {
	ID               int64      `json:"id" db:"id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	Symbol           string     `json:"symbol" db:"symbol"`
	Interval         string     `json:"interval" db:"interval"`
	FeatureCloseTime time.Time  `json:"feature_close_time" db:"feature_close_time"`
	Probability      float64    `json:"probability" db:"probability"`
	Threshold        float64    `json:"threshold" db:"threshold"`
	Decision         int        `json:"decision" db:"decision"`
	ModelID          int64      `json:"model_id" db:"model_id"`
	ModelVersion     int        `json:"model_version" db:"model_version"`
	UsedProduction   bool       `json:"used_production" db:"used_production"`
	Target           string     `json:"target" db:"target"`
	Realized         *int       `json:"realized" db:"realized"`
	RealizedAt       *time.Time `json:"realized_at" db:"realized_at"`
}

// SignalStatus is the lifecycle state of a trading signal. Transitions are
// monotonic; filled, rejected and canceled are terminal.
type SignalStatus string

const (
	SignalTriggered SignalStatus = "triggered"
	SignalSubmitted SignalStatus = "submitted"
	SignalFilled    SignalStatus = "filled"
	SignalRejected  SignalStatus = "rejected"
	SignalCanceled  SignalStatus = "canceled"
)

// TradingSignal records one trading action from trigger through fill.
type TradingSignal struct {
	ID         string                 `json:"id" db:"id"`
	SignalType string                 `json:"signal_type" db:"signal_type"`
	Status     SignalStatus           `json:"status" db:"status"`
	Params     map[string]interface{} `json:"params"`
	Price      float64                `json:"price" db:"price"`
	Extra      map[string]interface{} `json:"extra"`
	CreatedTS  time.Time              `json:"created_ts" db:"created_ts"`
	ExecutedTS *time.Time             `json:"executed_ts" db:"executed_ts"`
	OrderSide  string                 `json:"order_side" db:"order_side"`
	OrderSize  float64                `json:"order_size" db:"order_size"`
	OrderPrice float64                `json:"order_price" db:"order_price"`
	Error      string                 `json:"error" db:"error"`
}

// PositionStatus mirrors the sign of Position.Size.
type PositionStatus string

const (
	PositionFlat  PositionStatus = "flat"
	PositionLong  PositionStatus = "long"
	PositionShort PositionStatus = "short"
)

// Position is the single per-symbol position. Invariant: Size == 0 iff
// Status == flat.
type Position struct {
	Symbol        string         `json:"symbol" db:"symbol"`
	Size          float64        `json:"size" db:"size"`
	AvgPrice      float64        `json:"avg_price" db:"avg_price"`
	RealizedPnL   float64        `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl" db:"unrealized_pnl"`
	UpdatedTS     time.Time      `json:"updated_ts" db:"updated_ts"`
	Status        PositionStatus `json:"status" db:"status"`
}

// RiskSession tracks equity since the last reset. Invariant: PeakEquity is
// the running max of CurrentEquity since LastResetTS.
type RiskSession struct {
	StartingEquity float64   `json:"starting_equity"`
	PeakEquity     float64   `json:"peak_equity"`
	CurrentEquity  float64   `json:"current_equity"`
	CumulativePnL  float64   `json:"cumulative_pnl"`
	LastResetTS    time.Time `json:"last_reset_ts"`
}

// CalibrationSnapshot is one live-vs-production calibration comparison.
type CalibrationSnapshot struct {
	TS              time.Time        `json:"ts"`
	LiveECE         float64          `json:"live_ece"`
	LiveMCE         float64          `json:"live_mce"`
	LiveBrier       float64          `json:"live_brier"`
	ProdECE         float64          `json:"prod_ece"`
	DeltaECE        float64          `json:"delta_ece"`
	AbsDrift        bool             `json:"abs_drift"`
	RelDrift        bool             `json:"rel_drift"`
	SampleCount     int              `json:"sample_count"`
	ReliabilityBins []ReliabilityBin `json:"reliability_bins"`
}

// PromotionDecision is the outcome of one promotion-gate evaluation.
type PromotionDecision string

const (
	PromotionPromoted PromotionDecision = "promoted"
	PromotionSkipped  PromotionDecision = "skipped"
	PromotionError    PromotionDecision = "error"
)

// PromotionEvent is the audit record appended under every gate outcome.
type PromotionEvent struct {
	ID                        int64             `json:"id" db:"id"`
	CreatedAt                 time.Time         `json:"created_at" db:"created_at"`
	CandidateModelID          int64             `json:"candidate_model_id" db:"model_id"`
	PreviousProductionModelID *int64            `json:"previous_production_model_id" db:"previous_production_model_id"`
	Decision                  PromotionDecision `json:"decision" db:"decision"`
	Reason                    string            `json:"reason" db:"reason"`
	SamplesOld                int               `json:"samples_old" db:"samples_old"`
	SamplesNew                int               `json:"samples_new" db:"samples_new"`
	AUCImprove                float64           `json:"auc_improve" db:"auc_improve"`
	ECEDelta                  float64           `json:"ece_delta" db:"ece_delta"`
	ValSamples                int               `json:"val_samples" db:"val_samples"`
}

// Setting is one typed runtime parameter row.
type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     []byte    `json:"value" db:"value_json"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
