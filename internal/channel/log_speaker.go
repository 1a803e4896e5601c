package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogSpeaker is a headless spoken channel. Playback is logged and lasts a
// fixed duration, which makes it usable on servers and in tests.
type LogSpeaker struct {
	logger   *zap.Logger
	duration time.Duration

	mu        sync.Mutex
	token     Token
	timer     *time.Timer
	remaining time.Duration
	started   time.Time
	paused    bool
	done      CompletionFunc
}

// NewLogSpeaker creates a speaker whose playbacks last d
func NewLogSpeaker(d time.Duration, logger *zap.Logger) *LogSpeaker {
	return &LogSpeaker{
		logger:   logger.Named("log-speaker"),
		duration: d,
	}
}

// Play starts a playback, replacing any current one
func (s *LogSpeaker) Play(ctx context.Context, text string, onComplete CompletionFunc) (Token, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	previous := func() {}
	if s.timer != nil {
		s.timer.Stop()
		previous = s.finishLocked(ErrStopped)
	}

	token := newToken()
	s.token = token
	s.done = onComplete
	s.remaining = s.duration
	s.paused = false
	s.started = time.Now()
	s.timer = time.AfterFunc(s.duration, func() { s.complete(token) })

	s.mu.Unlock()

	previous()
	s.logger.Info("Announcing", zap.String("token", string(token)), zap.String("text", text))
	return token, nil
}

// Pause freezes the remaining playback time
func (s *LogSpeaker) Pause(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.token || s.timer == nil {
		return ErrUnknownToken
	}
	if s.paused {
		return nil
	}
	if s.timer.Stop() {
		s.remaining -= time.Since(s.started)
		if s.remaining < 0 {
			s.remaining = 0
		}
	}
	s.paused = true
	return nil
}

// Resume continues a paused playback
func (s *LogSpeaker) Resume(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.token || s.timer == nil {
		return ErrUnknownToken
	}
	if !s.paused {
		return nil
	}
	s.paused = false
	s.started = time.Now()
	s.timer = time.AfterFunc(s.remaining, func() { s.complete(token) })
	return nil
}

// Stop ends the playback, reporting ErrStopped to its completion callback
func (s *LogSpeaker) Stop(token Token) error {
	s.mu.Lock()
	if token != s.token || s.timer == nil {
		s.mu.Unlock()
		return ErrUnknownToken
	}
	s.timer.Stop()
	done := s.finishLocked(ErrStopped)
	s.mu.Unlock()

	done()
	return nil
}

func (s *LogSpeaker) complete(token Token) {
	s.mu.Lock()
	if token != s.token || s.timer == nil {
		s.mu.Unlock()
		return
	}
	done := s.finishLocked(nil)
	s.mu.Unlock()

	done()
}

// finishLocked clears the playback and returns the deferred callback
func (s *LogSpeaker) finishLocked(err error) func() {
	token, cb := s.token, s.done
	s.token = ""
	s.timer = nil
	s.done = nil
	s.paused = false
	if cb == nil {
		return func() {}
	}
	return func() { cb(token, err) }
}
