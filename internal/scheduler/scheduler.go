// Package scheduler drives the periodic loops: inference, labeling,
// calibration monitoring, and ingestion upkeep. Ticks are non-reentrant
// per job; a tick still running when the next fires is skipped.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// drainTimeout bounds how long Stop waits for in-flight ticks.
const drainTimeout = 2 * time.Second

// TickFunc is one job body. Errors are logged, never fatal to the loop.
type TickFunc func(ctx context.Context) error

// IntervalFunc resolves the current tick period, re-read before every
// sleep so settings changes apply without restart.
type IntervalFunc func() time.Duration

// Job is one registered periodic loop.
type Job struct {
	Name     string
	Tick     TickFunc
	Interval IntervalFunc

	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos
	lastErr  atomic.Value // string
	runCount atomic.Int64
	errCount atomic.Int64
	skips    atomic.Int64
}

// JobStatus is the read-only view of one job.
type JobStatus struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	RunCount int64     `json:"run_count"`
	ErrCount int64     `json:"error_count"`
	Skips    int64     `json:"skipped_ticks"`
}

// Scheduler owns the job set and their goroutines.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*Job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	start   time.Time

	observe func(job, result string, took time.Duration)
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{observe: func(string, string, time.Duration) {}}
}

// OnTick registers a timing observer called after every executed tick with
// result "ok" or "error". Must be called before Start.
func (s *Scheduler) OnTick(fn func(job, result string, took time.Duration)) {
	if fn != nil {
		s.observe = fn
	}
}

// Register adds a job. Fixed-period jobs can wrap their duration in a
// closure. Must be called before Start.
func (s *Scheduler) Register(name string, interval IntervalFunc, tick TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &Job{Name: name, Tick: tick, Interval: interval})
}

// Fixed wraps a constant duration as an IntervalFunc.
func Fixed(d time.Duration) IntervalFunc {
	return func() time.Duration { return d }
}

// Start launches one goroutine per job. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.start = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(runCtx, job)
	}
	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

func (s *Scheduler) runLoop(ctx context.Context, job *Job) {
	defer s.wg.Done()
	for {
		interval := job.Interval()
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if !job.running.CompareAndSwap(false, true) {
			job.skips.Add(1)
			log.Warn().Str("job", job.Name).Msg("Previous tick still running, skipping")
			continue
		}
		s.execute(ctx, job)
		job.running.Store(false)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	start := time.Now()
	err := job.Tick(ctx)
	job.lastRun.Store(start.UnixNano())
	job.runCount.Add(1)
	if err != nil {
		job.errCount.Add(1)
		job.lastErr.Store(err.Error())
		s.observe(job.Name, "error", time.Since(start))
		log.Error().Err(err).Str("job", job.Name).Dur("took", time.Since(start)).
			Msg("Scheduled tick failed")
		return
	}
	job.lastErr.Store("")
	s.observe(job.Name, "ok", time.Since(start))
}

// RunNow executes a job immediately, respecting non-reentrancy. Returns
// false when the job is unknown or already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) bool {
	s.mu.Lock()
	var target *Job
	for _, job := range s.jobs {
		if job.Name == name {
			target = job
			break
		}
	}
	s.mu.Unlock()

	if target == nil || !target.running.CompareAndSwap(false, true) {
		return false
	}
	s.execute(ctx, target)
	target.running.Store(false)
	return true
}

// Stop cancels all loops and waits up to the drain timeout for in-flight
// ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Scheduler stopped")
	case <-time.After(drainTimeout):
		log.Warn().Msg("Scheduler stop timed out with ticks still in flight")
	}
}

// Status reports every job's counters.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		var lastErr string
		if v := job.lastErr.Load(); v != nil {
			lastErr = v.(string)
		}
		out = append(out, JobStatus{
			Name:     job.Name,
			Running:  job.running.Load(),
			LastRun:  time.Unix(0, job.lastRun.Load()).UTC(),
			LastErr:  lastErr,
			RunCount: job.runCount.Load(),
			ErrCount: job.errCount.Load(),
			Skips:    job.skips.Load(),
		})
	}
	return out
}
