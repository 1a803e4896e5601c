package scheduler

import "errors"

var (
	// ErrAnnouncementInFlight is returned when a second announcement is started while one is active
	ErrAnnouncementInFlight = errors.New("announcement already in flight")

	// ErrNotAnnouncing is returned by Pause when nothing is playing
	ErrNotAnnouncing = errors.New("no announcement playing")

	// ErrNotPaused is returned by Resume when nothing is paused
	ErrNotPaused = errors.New("no announcement paused")

	// ErrNotEligible is returned when a direct announcement fails the pre-start check
	ErrNotEligible = errors.New("alert not eligible for announcement")

	// ErrCycleInProgress is returned when a poll cycle is already running
	ErrCycleInProgress = errors.New("poll cycle already in progress")
)
