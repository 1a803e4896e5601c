package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/filter"
	"github.com/t77yq/hazard-announcer/internal/ledger"
	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/monitor"
	"github.com/t77yq/hazard-announcer/internal/source"
)

// PollerConfig wires the components one poll cycle touches
type PollerConfig struct {
	Fetchers     []source.Fetcher
	Location     string
	FetchTimeout time.Duration
	Store        *monitor.AlertStore
	Ledger       *ledger.Ledger
	Pipeline     *filter.Pipeline
	Announcer    *Announcer
	Metrics      *monitor.Metrics
	Now          func() time.Time
}

// CycleReport summarises one poll cycle
type CycleReport struct {
	Fetched  int
	Stored   int
	Eligible int
	Ranked   []*model.Alert
	Took     time.Duration
}

// Poller runs poll cycles: fetch, store, filter, rank, hand off. Cycles never
// overlap.
type Poller struct {
	logger  *zap.Logger
	cfg     PollerConfig
	running atomic.Bool
}

// NewPoller creates a poller
func NewPoller(cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = source.DefaultFetchTimeout
	}
	return &Poller{
		logger: logger.Named("poller"),
		cfg:    cfg,
	}
}

// Poll runs one cycle. It returns ErrCycleInProgress when another cycle is
// still running; ctx also bounds any playback the cycle starts.
func (p *Poller) Poll(ctx context.Context) (CycleReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.cfg.Metrics.Cycle(monitor.CycleSkipped, 0)
		p.logger.Debug("Poll cycle skipped, previous cycle still running")
		return CycleReport{}, ErrCycleInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	var report CycleReport

	alerts, results := source.FetchAll(ctx, p.cfg.Fetchers, p.cfg.Location, p.cfg.FetchTimeout, p.logger)
	for _, r := range results {
		if r.Err != nil {
			p.cfg.Metrics.SourceFailed(r.Source)
			continue
		}
		p.cfg.Metrics.Fetched(r.Source, len(r.Alerts))
	}
	report.Fetched = len(alerts)

	if err := ctx.Err(); err != nil {
		p.cfg.Metrics.Cycle(monitor.CycleCanceled, 0)
		return report, err
	}

	now := p.cfg.Now()
	batch := make([]*model.Alert, 0, len(alerts))
	for _, a := range alerts {
		if !a.Kind.Valid() || !a.Severity.Valid() {
			p.logger.Warn("Dropping malformed alert",
				zap.String("alert_id", a.ID),
				zap.String("source", a.Source),
				zap.String("kind", string(a.Kind)))
			continue
		}
		if a.ObservedAt.IsZero() {
			a.ObservedAt = now
		}
		a.Normalize()
		a.Fingerprint = ledger.Fingerprint(a)
		if a.ID == "" {
			// stable across cycles so the store keeps one copy
			a.ID = a.Source + ":" + a.Fingerprint
		}

		if !a.Active(now) {
			continue
		}
		p.cfg.Ledger.Observe(a.Fingerprint, now)
		if p.cfg.Store.AddAlert(ctx, a) {
			report.Stored++
		}
		batch = append(batch, a)
	}

	eligible := p.cfg.Pipeline.Filter(batch, now)
	report.Eligible = len(eligible)
	report.Ranked = Rank(eligible)

	if len(report.Ranked) > 0 {
		p.cfg.Announcer.Offer(ctx, report.Ranked)
	}

	p.cfg.Store.Sweep(now)
	p.cfg.Ledger.Collect(now)
	if err := p.cfg.Ledger.Flush(ctx); err != nil {
		p.logger.Warn("Ledger not persisted this cycle", zap.Error(err))
	}
	p.cfg.Metrics.SampleHost(p.logger)

	report.Took = time.Since(start)
	p.cfg.Metrics.Cycle(monitor.CycleCompleted, report.Took)
	p.logger.Info("Poll cycle completed",
		zap.Int("fetched", report.Fetched),
		zap.Int("stored", report.Stored),
		zap.Int("eligible", report.Eligible),
		zap.Duration("took", report.Took))
	return report, nil
}
