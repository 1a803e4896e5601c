package model

import (
	"fmt"
	"time"
)

const (
	MinPollIntervalMs     = 60_000
	DefaultPollIntervalMs = 120_000
	DefaultMaxPerHour     = 6
)

// Settings holds the user-configurable engine parameters
type Settings struct {
	Enabled                 bool          `json:"enabled"`
	MinSeverity             AlertSeverity `json:"minSeverity"`
	PollIntervalMs          int64         `json:"pollIntervalMs"`
	MuteUntil               int64         `json:"muteUntil,omitempty"`
	MaxAnnouncementsPerHour int           `json:"maxAnnouncementsPerHour"`

	// Per-channel toggles
	Voice   bool `json:"voice"`
	Toast   bool `json:"toast"`
	Desktop bool `json:"desktop"`
	Sound   bool `json:"sound"`
}

// DefaultSettings returns the factory defaults
func DefaultSettings() Settings {
	return Settings{
		Enabled:                 true,
		MinSeverity:             AlertSeverityHigh,
		PollIntervalMs:          DefaultPollIntervalMs,
		MaxAnnouncementsPerHour: DefaultMaxPerHour,
		Voice:                   true,
		Toast:                   true,
		Desktop:                 true,
		Sound:                   true,
	}
}

// Validate checks field ranges
func (s Settings) Validate() error {
	if !s.MinSeverity.Valid() {
		return fmt.Errorf("%w: minSeverity %d", ErrInvalidSettings, s.MinSeverity)
	}
	if s.PollIntervalMs < MinPollIntervalMs {
		return fmt.Errorf("%w: pollIntervalMs must be >= %d, got %d", ErrInvalidSettings, MinPollIntervalMs, s.PollIntervalMs)
	}
	if s.MaxAnnouncementsPerHour < 1 {
		return fmt.Errorf("%w: maxAnnouncementsPerHour must be >= 1, got %d", ErrInvalidSettings, s.MaxAnnouncementsPerHour)
	}
	if s.MuteUntil < 0 {
		return fmt.Errorf("%w: muteUntil %d", ErrInvalidSettings, s.MuteUntil)
	}
	return nil
}

// PollInterval returns the poll interval as a duration
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Muted reports whether now falls before MuteUntil
func (s Settings) Muted(now time.Time) bool {
	return s.MuteUntil != 0 && now.UnixMilli() < s.MuteUntil
}

// ChannelEnabled reports whether the named side channel may fire
func (s Settings) ChannelEnabled(name string) bool {
	switch name {
	case ChannelVoice:
		return s.Voice
	case ChannelToast:
		return s.Toast
	case ChannelDesktop:
		return s.Desktop
	case ChannelSound:
		return s.Sound
	}
	return false
}

// Channel names used by the per-channel toggles
const (
	ChannelVoice   = "voice"
	ChannelToast   = "toast"
	ChannelDesktop = "desktop"
	ChannelSound   = "sound"
)
