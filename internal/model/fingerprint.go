package model

import (
	"errors"
	"time"
)

var (
	// ErrUnknownSeverity is returned for labels outside every known vocabulary
	ErrUnknownSeverity = errors.New("unknown severity")

	// ErrInvalidSettings is returned when a settings field is out of range
	ErrInvalidSettings = errors.New("invalid settings")
)

// FingerprintRecord is the announcement history of one fingerprint
type FingerprintRecord struct {
	Fingerprint                string        `json:"fingerprint"`
	FirstSeen                  time.Time     `json:"first_seen"`
	LastSeen                   time.Time     `json:"last_seen"`
	LastAnnounced              time.Time     `json:"last_announced,omitempty"`
	TimesAnnounced             int           `json:"times_announced"`
	UserDismissed              bool          `json:"user_dismissed"`
	SeverityAtLastAnnouncement AlertSeverity `json:"severity_at_last_announcement,omitempty"`
}

// LastActivity is the later of LastSeen and LastAnnounced
func (r *FingerprintRecord) LastActivity() time.Time {
	if r.LastAnnounced.After(r.LastSeen) {
		return r.LastAnnounced
	}
	return r.LastSeen
}
