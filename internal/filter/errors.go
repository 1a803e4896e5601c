package filter

import "errors"

var (
	// ErrDisabled is returned when announcements are turned off
	ErrDisabled = errors.New("announcements disabled")

	// ErrMuted is returned while the mute deadline has not passed
	ErrMuted = errors.New("announcements muted")

	// ErrBelowSeverity is returned when an alert is below the configured minimum severity
	ErrBelowSeverity = errors.New("below minimum severity")

	// ErrNotCritical is returned when an alert fails its kind's criticality rule
	ErrNotCritical = errors.New("criticality rule not met")

	// ErrQuotaExceeded is returned when the hourly announcement quota is used up
	ErrQuotaExceeded = errors.New("hourly quota exceeded")

	// ErrCooldown is returned when the previous announcement started too recently
	ErrCooldown = errors.New("cooldown active")
)
