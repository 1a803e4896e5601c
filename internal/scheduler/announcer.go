package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/channel"
	"github.com/t77yq/hazard-announcer/internal/filter"
	"github.com/t77yq/hazard-announcer/internal/ledger"
	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/monitor"
)

// State of the announcement state machine
type State int

const (
	StateIdle State = iota
	StateAnnouncing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateAnnouncing:
		return "announcing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Gate re-validates an alert immediately before playback starts
type Gate interface {
	Recheck(a *model.Alert, now time.Time) filter.Verdict
}

// Recorder records announcement starts
type Recorder interface {
	RecordAnnouncement(fp string, severity model.AlertSeverity, now time.Time) model.FingerprintRecord
}

type stopper interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Announcer owns the single active announcement. At most one alert is in
// the Announcing or Paused state at any time.
type Announcer struct {
	logger   *zap.Logger
	channel  channel.AnnouncementChannel
	gate     Gate
	recorder Recorder
	metrics  *monitor.Metrics
	now      func() time.Time
	after    func(d time.Duration, f func()) stopper

	mu         sync.Mutex
	state      State
	queue      []*model.Alert
	current    *model.Alert
	token      channel.Token
	generation uint64
	retry      stopper
}

// NewAnnouncer creates an idle announcer. metrics may be nil.
func NewAnnouncer(ch channel.AnnouncementChannel, gate Gate, recorder Recorder, metrics *monitor.Metrics, now func() time.Time, logger *zap.Logger) *Announcer {
	if now == nil {
		now = time.Now
	}
	return &Announcer{
		logger:   logger.Named("announcer"),
		channel:  ch,
		gate:     gate,
		recorder: recorder,
		metrics:  metrics,
		now:      now,
		after:    afterFunc,
	}
}

// State returns the current state
func (a *Announcer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Current returns the alert being announced, if any
func (a *Announcer) Current() (*model.Alert, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, false
	}
	return a.current.Clone(), true
}

// Pending returns the number of queued alerts
func (a *Announcer) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Offer replaces the pending queue with ranked and starts its head when idle.
// ctx bounds the lifetime of any playback started from the queue.
func (a *Announcer) Offer(ctx context.Context, ranked []*model.Alert) {
	a.mu.Lock()
	a.queue = append([]*model.Alert(nil), ranked...)
	a.mu.Unlock()

	a.advance(ctx)
}

// Announce starts alert directly. Starting while another announcement is
// active is a programming error.
func (a *Announcer) Announce(ctx context.Context, alert *model.Alert) error {
	a.mu.Lock()
	if a.state != StateIdle {
		current := a.current
		a.mu.Unlock()
		a.logger.DPanic("Second concurrent announcement requested",
			zap.String("alert_id", alert.ID),
			zap.String("current_alert_id", current.ID))
		return ErrAnnouncementInFlight
	}

	v := a.gate.Recheck(alert, a.now())
	if !v.Eligible {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrNotEligible, v.Stage, v.Reason)
	}
	gen := a.beginLocked(alert)
	a.mu.Unlock()

	return a.play(ctx, alert, gen)
}

// advance starts the next eligible queued alert while idle. Alerts rejected
// by history are dropped; quota or cooldown rejections leave the queue for
// the next cycle.
func (a *Announcer) advance(ctx context.Context) {
	for {
		a.mu.Lock()
		if a.state != StateIdle || len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}

		now := a.now()
		var next *model.Alert
		for len(a.queue) > 0 {
			head := a.queue[0]
			v := a.gate.Recheck(head, now)
			if v.Eligible {
				next = head
				a.queue = a.queue[1:]
				break
			}
			if v.Stage != filter.StageHistory {
				a.logger.Debug("Queue held",
					zap.String("alert_id", head.ID),
					zap.String("stage", string(v.Stage)),
					zap.Error(v.Reason))
				if v.RetryAfter > 0 {
					a.retryLocked(ctx, v.RetryAfter)
				}
				break
			}
			a.queue = a.queue[1:]
		}
		if next == nil {
			a.mu.Unlock()
			return
		}

		gen := a.beginLocked(next)
		a.mu.Unlock()

		if err := a.play(ctx, next, gen); err == nil {
			return
		}
	}
}

// retryLocked re-runs advance once d has passed, replacing any pending retry
func (a *Announcer) retryLocked(ctx context.Context, d time.Duration) {
	a.stopRetryLocked()
	a.retry = a.after(d, func() {
		if ctx.Err() != nil {
			return
		}
		a.advance(ctx)
	})
}

func (a *Announcer) stopRetryLocked() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
}

// beginLocked records the start and enters Announcing
func (a *Announcer) beginLocked(alert *model.Alert) uint64 {
	fp := alert.Fingerprint
	if fp == "" {
		fp = ledger.Fingerprint(alert)
	}
	rec := a.recorder.RecordAnnouncement(fp, alert.Severity, a.now())
	a.stopRetryLocked()

	a.generation++
	a.state = StateAnnouncing
	a.current = alert
	a.token = ""

	a.metrics.Announcement(monitor.OutcomeStarted)
	a.logger.Info("Announcement started",
		zap.String("alert_id", alert.ID),
		zap.String("fingerprint", fp),
		zap.String("severity", alert.Severity.String()),
		zap.Int("times_announced", rec.TimesAnnounced))
	return a.generation
}

// play calls the channel without holding the lock
func (a *Announcer) play(ctx context.Context, alert *model.Alert, gen uint64) error {
	token, err := a.channel.Play(ctx, alert.Text(), func(_ channel.Token, err error) {
		a.complete(ctx, gen, err)
	})

	a.mu.Lock()
	if err != nil {
		if a.generation == gen {
			a.resetLocked()
		}
		a.mu.Unlock()
		a.metrics.Announcement(monitor.OutcomeFailed)
		a.logger.Error("Playback failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return err
	}
	if a.generation != gen || a.state == StateIdle {
		// stopped or completed while Play was running
		a.mu.Unlock()
		if stopErr := a.channel.Stop(token); stopErr != nil && stopErr != channel.ErrUnknownToken {
			a.logger.Warn("Failed to stop superseded playback", zap.Error(stopErr))
		}
		return nil
	}
	a.token = token
	a.mu.Unlock()
	return nil
}

func (a *Announcer) complete(ctx context.Context, gen uint64, err error) {
	a.mu.Lock()
	if a.generation != gen || a.state == StateIdle {
		a.mu.Unlock()
		return
	}
	alert := a.current
	a.resetLocked()
	a.mu.Unlock()

	if err != nil {
		a.metrics.Announcement(monitor.OutcomeFailed)
		a.logger.Error("Playback failed", zap.String("alert_id", alert.ID), zap.Error(err))
	} else {
		a.metrics.Announcement(monitor.OutcomeCompleted)
		a.logger.Info("Announcement completed", zap.String("alert_id", alert.ID))
	}

	a.advance(ctx)
}

func (a *Announcer) resetLocked() {
	a.generation++
	a.state = StateIdle
	a.current = nil
	a.token = ""
}

// Pause suspends the active playback
func (a *Announcer) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAnnouncing {
		return ErrNotAnnouncing
	}
	if err := a.channel.Pause(a.token); err != nil {
		return fmt.Errorf("failed to pause playback: %w", err)
	}
	a.state = StatePaused
	a.logger.Info("Announcement paused", zap.String("alert_id", a.current.ID))
	return nil
}

// Resume continues a paused playback without re-recording it
func (a *Announcer) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StatePaused {
		return ErrNotPaused
	}
	if err := a.channel.Resume(a.token); err != nil {
		return fmt.Errorf("failed to resume playback: %w", err)
	}
	a.state = StateAnnouncing
	a.logger.Info("Announcement resumed", zap.String("alert_id", a.current.ID))
	return nil
}

// Stop ends the active playback and returns to Idle without advancing
func (a *Announcer) Stop() {
	if a.interrupt(monitor.OutcomeStopped) {
		a.logger.Info("Announcement stopped")
	}
}

// Skip drops the active playback and advances to the next queued alert.
// The skipped alert's history is left untouched.
func (a *Announcer) Skip(ctx context.Context) {
	if a.interrupt(monitor.OutcomeSkipped) {
		a.logger.Info("Announcement skipped")
	}
	a.advance(ctx)
}

// Clear stops any playback and empties the queue
func (a *Announcer) Clear() {
	a.mu.Lock()
	a.queue = nil
	a.stopRetryLocked()
	a.mu.Unlock()

	a.interrupt(monitor.OutcomeStopped)
	a.logger.Info("Announcement queue cleared")
}

// interrupt releases the active announcement immediately; the channel is
// stopped after the lock is dropped
func (a *Announcer) interrupt(outcome string) bool {
	a.mu.Lock()
	if a.state == StateIdle {
		a.mu.Unlock()
		return false
	}
	token := a.token
	a.resetLocked()
	a.mu.Unlock()

	a.metrics.Announcement(outcome)
	if token != "" {
		if err := a.channel.Stop(token); err != nil && err != channel.ErrUnknownToken {
			a.logger.Warn("Failed to stop playback", zap.Error(err))
		}
	}
	return true
}
