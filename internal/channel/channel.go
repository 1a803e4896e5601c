package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/t77yq/hazard-announcer/internal/model"
)

var (
	// ErrUnknownToken is returned when a token does not name the active playback
	ErrUnknownToken = errors.New("unknown playback token")

	// ErrStopped is passed to onComplete when playback was stopped before finishing
	ErrStopped = errors.New("playback stopped")

	// ErrEmptyText is returned when asked to play nothing
	ErrEmptyText = errors.New("empty announcement text")
)

// Token identifies one playback
type Token string

func newToken() Token {
	return Token(uuid.New().String())
}

// CompletionFunc is called exactly once when playback ends. err is nil on
// natural completion.
type CompletionFunc func(token Token, err error)

// AnnouncementChannel is the single-flight spoken output
type AnnouncementChannel interface {
	Play(ctx context.Context, text string, onComplete CompletionFunc) (Token, error)
	Pause(token Token) error
	Resume(token Token) error
	Stop(token Token) error
}

// Notifier is a fire-and-forget side channel invoked once per stored alert
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *model.Alert) error
}
