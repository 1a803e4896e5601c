package engine

import "errors"

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted is returned by Shutdown before Start
	ErrNotStarted = errors.New("engine not started")

	// ErrNoChannel is returned when no announcement channel is configured
	ErrNoChannel = errors.New("announcement channel is required")

	// ErrVoiceDisabled holds the queue while spoken announcements are switched off
	ErrVoiceDisabled = errors.New("voice channel disabled")
)
