// Package persistence defines the repository contracts for the bottomrun
// row store. Implementations live in the postgres subpackage.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/bottomrun/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("persistence: not found")

// TimeRange represents a time window for data queries with PIT integrity.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// BarsRepo provides closed-bar persistence. Only is_closed=true bars are
// durable; one row per (symbol, interval, open_time).
type BarsRepo interface {
	// Upsert writes a closed bar, replacing an existing row only when the
	// content differs. Returns true when the row was inserted or changed.
	Upsert(ctx context.Context, bar models.Bar) (bool, error)

	// ListRange retrieves closed bars ordered by open_time ascending.
	// A limit of zero means no limit.
	ListRange(ctx context.Context, symbol, interval string, tr TimeRange, limit int) ([]models.Bar, error)

	// ListLatest retrieves the newest n closed bars in ascending open_time order.
	ListLatest(ctx context.Context, symbol, interval string, n int) ([]models.Bar, error)

	// LatestOpenTime returns the most recent open_time, or ErrNotFound.
	LatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error)

	// EarliestOpenTime returns the oldest open_time, or ErrNotFound.
	EarliestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error)

	// Count returns the number of closed bars in the range.
	Count(ctx context.Context, symbol, interval string, tr TimeRange) (int64, error)
}

// GapsRepo tracks missing open_time runs derived from the bar table.
type GapsRepo interface {
	// Upsert records a gap segment, deduplicated by (symbol, interval, from_ts, to_ts).
	Upsert(ctx context.Context, seg models.GapSegment) (int64, error)

	// SetState transitions a segment's lifecycle state.
	SetState(ctx context.Context, id int64, state models.GapState) error

	// ListOpen returns segments not yet closed, oldest first.
	ListOpen(ctx context.Context, symbol, interval string, limit int) ([]models.GapSegment, error)
}

// FeaturesRepo stores leakage-free feature snapshots keyed by close_time.
type FeaturesRepo interface {
	// Insert writes a snapshot; duplicate (symbol, interval, close_time,
	// schema_version) rows are ignored.
	Insert(ctx context.Context, snap models.FeatureSnapshot) error

	// Latest returns the most recent snapshot, or ErrNotFound.
	Latest(ctx context.Context, symbol, interval string) (*models.FeatureSnapshot, error)

	// Exists reports whether a snapshot is present for the close_time.
	Exists(ctx context.Context, symbol, interval string, closeTime time.Time, schemaVersion string) (bool, error)
}

// ModelsRepo stores artifacts and the per-family production pointer.
type ModelsRepo interface {
	// Insert registers a new artifact (unique family+version) and returns its id.
	Insert(ctx context.Context, artifact models.ModelArtifact) (int64, error)

	// Get retrieves an artifact by id including its blob.
	Get(ctx context.Context, id int64) (*models.ModelArtifact, error)

	// Production returns the current production artifact for the family,
	// or ErrNotFound.
	Production(ctx context.Context, family string) (*models.ModelArtifact, error)

	// Latest returns the newest artifact for the family regardless of status.
	Latest(ctx context.Context, family string) (*models.ModelArtifact, error)

	// ListRecent returns artifacts newest-first.
	ListRecent(ctx context.Context, family string, limit int) ([]models.ModelArtifact, error)

	// SwapProduction retires the current production artifact (if any) and
	// marks id production, in one transaction. Returns the previous
	// production id, if there was one.
	SwapProduction(ctx context.Context, family string, id int64) (*int64, error)

	// RepairProduction enforces the at-most-one-production invariant after
	// a crash, keeping the most recently promoted row. Returns the number
	// of rows demoted.
	RepairProduction(ctx context.Context, family string) (int, error)
}

// InferenceRepo is the append-only probability log. Realized is set exactly
// once by the labeler.
type InferenceRepo interface {
	// InsertBatch appends rows atomically.
	InsertBatch(ctx context.Context, rows []models.InferenceLog) error

	// ClaimUnrealized selects up to limit unrealized rows created at or
	// before cutoff, skipping rows locked by concurrent labeler runs.
	// Must be called inside the transaction returned by Begin.
	ClaimUnrealized(ctx context.Context, tx Tx, symbol, interval, target string, cutoff time.Time, limit int) ([]models.InferenceLog, error)

	// MarkRealized sets realized and realized_at, only where realized is
	// still null. Returns true when the row transitioned.
	MarkRealized(ctx context.Context, tx Tx, id int64, realized int, at time.Time) (bool, error)

	// ListRealizedSince returns realized rows in the window for calibration.
	ListRealizedSince(ctx context.Context, symbol, interval, target string, since time.Time) ([]models.InferenceLog, error)

	// CountPending returns unrealized rows created at or before cutoff.
	CountPending(ctx context.Context, symbol, interval, target string, cutoff time.Time) (int64, error)

	// Begin opens a transaction for the claim/mark cycle.
	Begin(ctx context.Context) (Tx, error)
}

// Tx abstracts the transaction handle used by the labeler's claim cycle.
type Tx interface {
	Commit() error
	Rollback() error
}

// SignalsRepo stores trading signals and the single position row.
type SignalsRepo interface {
	// InsertSignal appends a signal in triggered state.
	InsertSignal(ctx context.Context, sig models.TradingSignal) error

	// UpdateSignal transitions status and records execution fields.
	UpdateSignal(ctx context.Context, sig models.TradingSignal) error

	// LastTriggeredAt returns the creation time of the most recent signal
	// of the given type, or ErrNotFound.
	LastTriggeredAt(ctx context.Context, signalType string) (time.Time, error)

	// ListRecent returns signals newest-first.
	ListRecent(ctx context.Context, limit int) ([]models.TradingSignal, error)

	// GetPosition returns the position row for the symbol, or ErrNotFound.
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)

	// UpsertPosition writes the position row atomically.
	UpsertPosition(ctx context.Context, pos models.Position) error
}

// PromotionsRepo is the append-only promotion audit log.
type PromotionsRepo interface {
	Insert(ctx context.Context, ev models.PromotionEvent) error
	LastPromotedAt(ctx context.Context) (time.Time, error)
	ListRecent(ctx context.Context, limit int) ([]models.PromotionEvent, error)
}

// SettingsRepo is the typed key-value store backing runtime parameters.
type SettingsRepo interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	All(ctx context.Context) ([]models.Setting, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Bars       BarsRepo
	Gaps       GapsRepo
	Features   FeaturesRepo
	Models     ModelsRepo
	Inference  InferenceRepo
	Signals    SignalsRepo
	Promotions PromotionsRepo
	Settings   SettingsRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
