// Package settings is the DB-backed typed key-value store behind all
// runtime parameters. Reads go through an in-memory cache; writes persist
// first, then fire subscriber apply hooks. Unknown keys are accepted but
// have no apply effect.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/persistence"
)

// ErrInvalidValue is returned for values that do not encode as JSON.
var ErrInvalidValue = errors.New("settings: invalid value")

// Subscriber receives the raw JSON value after a key changes.
type Subscriber func(key string, value json.RawMessage)

// Store caches setting rows and notifies subscribers on writes.
type Store struct {
	repo persistence.SettingsRepo

	mu    sync.RWMutex
	cache map[string]json.RawMessage
	subs  map[string][]Subscriber
}

// NewStore creates an empty store over the settings repository.
func NewStore(repo persistence.SettingsRepo) *Store {
	return &Store{
		repo:  repo,
		cache: make(map[string]json.RawMessage),
		subs:  make(map[string][]Subscriber),
	}
}

// Load populates the cache from the database. Called at boot.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.cache[row.Key] = json.RawMessage(row.Value)
	}
	log.Info().Int("keys", len(rows)).Msg("Settings loaded")
	return nil
}

// Subscribe registers an apply hook for a key. Hooks run synchronously on
// the writer's goroutine after the value is persisted and cached.
func (s *Store) Subscribe(key string, fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[key] = append(s.subs[key], fn)
}

// Put validates, persists and caches the value, then fires apply hooks
// when apply is true.
func (s *Store) Put(ctx context.Context, key string, value interface{}, apply bool) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if !json.Valid(raw) {
		return ErrInvalidValue
	}
	if err := s.repo.Put(ctx, key, raw); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[key] = raw
	subs := append([]Subscriber(nil), s.subs[key]...)
	s.mu.Unlock()

	log.Debug().Str("key", key).RawJSON("value", raw).Msg("Setting updated")
	if apply {
		for _, fn := range subs {
			fn(key, raw)
		}
	}
	return nil
}

// Raw returns the cached raw JSON for a key.
func (s *Store) Raw(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.cache[key]
	return raw, ok
}

// Refresh re-reads a single key from the database into the cache.
// Returns the cached value unchanged when the read fails, so a mid-tick
// DB hiccup falls back to the last successful read.
func (s *Store) Refresh(ctx context.Context, key string) (json.RawMessage, bool) {
	raw, err := s.repo.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("Settings refresh failed, keeping cached value")
		}
		return s.Raw(key)
	}
	s.mu.Lock()
	s.cache[key] = json.RawMessage(raw)
	s.mu.Unlock()
	return json.RawMessage(raw), true
}

// Float returns the key as float64, or def when absent or mistyped.
func (s *Store) Float(key string, def float64) float64 {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Int returns the key as int, or def.
func (s *Store) Int(key string, def int) int {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Bool returns the key as bool, or def.
func (s *Store) Bool(key string, def bool) bool {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// String returns the key as string, or def.
func (s *Store) String(key string, def string) string {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Seconds returns the key (a number of seconds) as a duration, or def.
func (s *Store) Seconds(key string, def time.Duration) time.Duration {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}
