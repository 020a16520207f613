package inference

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

const (
	queueCapacity = 1024
	flushBatch    = 64
	flushInterval = time.Second
)

// LogQueue batches inference rows into the append-only log. Emission never
// blocks the prediction path: when the queue is full the row is dropped and
// counted.
type LogQueue struct {
	repo persistence.InferenceRepo
	ch   chan models.InferenceLog

	onDrop func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewLogQueue creates a queue and starts its flush goroutine.
func NewLogQueue(repo persistence.InferenceRepo) *LogQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &LogQueue{
		repo:   repo,
		ch:     make(chan models.InferenceLog, queueCapacity),
		onDrop: func() {},
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// OnDrop registers a counter callback fired per dropped row.
func (q *LogQueue) OnDrop(fn func()) {
	if fn != nil {
		q.onDrop = fn
	}
}

// Enqueue offers a row without blocking.
func (q *LogQueue) Enqueue(row models.InferenceLog) {
	select {
	case q.ch <- row:
	default:
		q.onDrop()
		log.Warn().Str("symbol", row.Symbol).Msg("Inference log queue full, row dropped")
	}
}

func (q *LogQueue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.InferenceLog, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := q.repo.InsertBatch(fctx, batch); err != nil {
			log.Error().Err(err).Int("rows", len(batch)).Msg("Inference log flush failed")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case row := <-q.ch:
			batch = append(batch, row)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain what is already queued, then final flush.
			for {
				select {
				case row := <-q.ch:
					batch = append(batch, row)
					if len(batch) >= flushBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops the flush goroutine after a final drain.
func (q *LogQueue) Close() {
	q.cancel()
	q.wg.Wait()
}
