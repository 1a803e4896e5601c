package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/storage"
)

const storageKey = "settings"

// ChangeFunc is called after every successful update with the old and new values
type ChangeFunc func(old, updated model.Settings)

// Store is the process-wide settings singleton. Mutation goes through Update only.
type Store struct {
	logger   *zap.Logger
	kv       storage.KV
	defaults model.Settings

	mu       sync.RWMutex
	current  model.Settings
	watchers []ChangeFunc
}

// NewStore creates a store holding defaults until Load is called
func NewStore(kv storage.KV, defaults model.Settings, logger *zap.Logger) (*Store, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default settings: %w", err)
	}
	return &Store{
		logger:   logger.Named("settings"),
		kv:       kv,
		defaults: defaults,
		current:  defaults,
	}, nil
}

// Load reads persisted settings. Missing, unreadable or invalid data leaves
// the defaults in place; only the read error is reported.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		s.logger.Warn("Failed to read settings, using defaults", zap.Error(err))
		return fmt.Errorf("failed to read settings: %w", err)
	}

	loaded := s.defaults
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("Discarding unreadable settings", zap.Error(err))
		return nil
	}
	if err := loaded.Validate(); err != nil {
		s.logger.Warn("Discarding invalid settings", zap.Error(err))
		return nil
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()

	s.logger.Info("Settings loaded",
		zap.Bool("enabled", loaded.Enabled),
		zap.String("min_severity", loaded.MinSeverity.String()),
		zap.Int64("poll_interval_ms", loaded.PollIntervalMs),
		zap.Int("max_per_hour", loaded.MaxAnnouncementsPerHour))
	return nil
}

// Get returns a copy of the current settings
func (s *Store) Get() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch registers fn to be called after each update
func (s *Store) Watch(fn ChangeFunc) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Update applies mutate to a copy, validates it and makes it current. A
// persistence failure is logged; the new value still takes effect in memory.
func (s *Store) Update(ctx context.Context, mutate func(*model.Settings)) (model.Settings, error) {
	s.mu.Lock()
	old := s.current
	next := old
	mutate(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return old, err
	}
	s.current = next
	watchers := append([]ChangeFunc(nil), s.watchers...)
	s.mu.Unlock()

	if err := s.persist(ctx, next); err != nil {
		s.logger.Warn("Failed to persist settings, keeping in memory", zap.Error(err))
	}

	for _, fn := range watchers {
		fn(old, next)
	}
	return next, nil
}

// MuteUntil sets the mute deadline
func (s *Store) MuteUntil(ctx context.Context, until time.Time) (model.Settings, error) {
	return s.Update(ctx, func(st *model.Settings) {
		st.MuteUntil = until.UnixMilli()
	})
}

// Flush writes the current settings to the KV store
func (s *Store) Flush(ctx context.Context) error {
	return s.persist(ctx, s.Get())
}

func (s *Store) persist(ctx context.Context, st model.Settings) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.kv.Set(ctx, storageKey, data); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
