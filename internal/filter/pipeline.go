package filter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/ledger"
	"github.com/t77yq/hazard-announcer/internal/model"
)

const (
	// MinAnnouncementInterval is the cooldown between two announcement starts
	MinAnnouncementInterval = 2 * time.Minute

	// QuotaWindow is the trailing window of the hourly quota
	QuotaWindow = 60 * time.Minute
)

// Stage names one step of the pipeline
type Stage string

const (
	StageEnabled     Stage = "enabled"
	StageMute        Stage = "mute"
	StageSeverity    Stage = "severity"
	StageCriticality Stage = "criticality"
	StageHistory     Stage = "history"
	StageQuota       Stage = "quota"
	StageCooldown    Stage = "cooldown"
)

// Stages lists every stage in evaluation order
var Stages = []Stage{
	StageEnabled, StageMute, StageSeverity, StageCriticality,
	StageHistory, StageQuota, StageCooldown,
}

// SettingsProvider supplies the current settings
type SettingsProvider interface {
	Get() model.Settings
}

// History is the part of the ledger the pipeline reads
type History interface {
	Check(fp string, severity model.AlertSeverity, now time.Time) error
	AnnouncementsSince(since time.Time) int
	LastAnnouncement() time.Time
}

// Verdict is the outcome of evaluating one alert
type Verdict struct {
	Eligible bool
	Stage    Stage
	Reason   error

	// RetryAfter is set when the rejection lifts on its own after a known delay
	RetryAfter time.Duration
}

func pass() Verdict {
	return Verdict{Eligible: true}
}

func reject(stage Stage, reason error) Verdict {
	return Verdict{Stage: stage, Reason: reason}
}

// Pipeline runs the ordered, short-circuiting eligibility stages
type Pipeline struct {
	logger   *zap.Logger
	settings SettingsProvider
	history  History
	criteria Criteria
	onReject func(a *model.Alert, v Verdict)
}

// NewPipeline creates a pipeline with the given criticality criteria
func NewPipeline(settings SettingsProvider, history History, criteria Criteria, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		logger:   logger.Named("filter"),
		settings: settings,
		history:  history,
		criteria: criteria,
	}
}

// OnReject registers a hook called for every rejected alert. Not safe to call
// concurrently with Filter.
func (p *Pipeline) OnReject(fn func(a *model.Alert, v Verdict)) {
	p.onReject = fn
}

// Evaluate runs all seven stages against a
func (p *Pipeline) Evaluate(a *model.Alert, now time.Time) Verdict {
	st := p.settings.Get()

	if v, ok := suppressed(st, now); ok {
		return v
	}
	if a.Severity < st.MinSeverity {
		return reject(StageSeverity, fmt.Errorf("%w: %s < %s", ErrBelowSeverity, a.Severity, st.MinSeverity))
	}
	if !p.criteria.Critical(a) {
		return reject(StageCriticality, fmt.Errorf("%w for %s", ErrNotCritical, a.Kind))
	}
	return p.recheck(a, st, now)
}

// Recheck re-runs the enabled and mute switches plus the history, quota and
// cooldown stages. Severity and criticality changes do not affect alerts
// already admitted.
func (p *Pipeline) Recheck(a *model.Alert, now time.Time) Verdict {
	st := p.settings.Get()
	if v, ok := suppressed(st, now); ok {
		return v
	}
	return p.recheck(a, st, now)
}

func suppressed(st model.Settings, now time.Time) (Verdict, bool) {
	if !st.Enabled {
		return reject(StageEnabled, ErrDisabled), true
	}
	if st.Muted(now) {
		return reject(StageMute, fmt.Errorf("%w until %s", ErrMuted, time.UnixMilli(st.MuteUntil).UTC().Format(time.RFC3339))), true
	}
	return Verdict{}, false
}

func (p *Pipeline) recheck(a *model.Alert, st model.Settings, now time.Time) Verdict {
	if err := p.history.Check(fingerprintOf(a), a.Severity, now); err != nil {
		return reject(StageHistory, err)
	}
	if n := p.history.AnnouncementsSince(now.Add(-QuotaWindow)); n >= st.MaxAnnouncementsPerHour {
		return reject(StageQuota, fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, n, st.MaxAnnouncementsPerHour))
	}
	if last := p.history.LastAnnouncement(); !last.IsZero() && now.Sub(last) < MinAnnouncementInterval {
		remaining := MinAnnouncementInterval - now.Sub(last)
		v := reject(StageCooldown, fmt.Errorf("%w: %s remaining", ErrCooldown, remaining))
		v.RetryAfter = remaining
		return v
	}
	return pass()
}

// Filter returns the eligible alerts of batch in input order. Of several
// alerts sharing a fingerprint only the first is considered.
func (p *Pipeline) Filter(batch []*model.Alert, now time.Time) []*model.Alert {
	seen := make(map[string]struct{}, len(batch))
	eligible := make([]*model.Alert, 0, len(batch))

	for _, a := range batch {
		fp := fingerprintOf(a)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		v := p.Evaluate(a, now)
		if !v.Eligible {
			p.logger.Debug("Alert filtered",
				zap.String("alert_id", a.ID),
				zap.String("fingerprint", fp),
				zap.String("stage", string(v.Stage)),
				zap.Error(v.Reason))
			if p.onReject != nil {
				p.onReject(a, v)
			}
			continue
		}
		eligible = append(eligible, a)
	}

	return eligible
}

func fingerprintOf(a *model.Alert) string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	return ledger.Fingerprint(a)
}
