package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hazard-announcer/internal/channel/channeltest"
	"github.com/t77yq/hazard-announcer/internal/filter"
	"github.com/t77yq/hazard-announcer/internal/ledger"
	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/monitor"
	"github.com/t77yq/hazard-announcer/internal/scheduler"
	"github.com/t77yq/hazard-announcer/internal/source"
	"github.com/t77yq/hazard-announcer/internal/storage"
	tu "github.com/t77yq/hazard-announcer/internal/testutil"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// feed is a source whose next batch is set by the test
type feed struct {
	name string

	mu    sync.Mutex
	batch []model.Alert
}

func (f *feed) Name() string { return f.name }

func (f *feed) Fetch(context.Context, string) ([]*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Alert, len(f.batch))
	for i := range f.batch {
		a := f.batch[i]
		out[i] = &a
	}
	return out, nil
}

func (f *feed) set(alerts ...model.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch = alerts
}

// stalled never answers before its context ends
type stalled struct{}

func (stalled) Name() string { return "stalled" }

func (stalled) Fetch(ctx context.Context, _ string) ([]*model.Alert, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	engine  *Engine
	channel *channeltest.Channel
	clock   *tu.Clock
	feed    *feed
	kv      storage.KV
	metrics *monitor.Metrics
}

func newFixture(t *testing.T, logger *zap.Logger, extra ...source.Fetcher) *fixture {
	f := &fixture{
		channel: channeltest.New(),
		clock:   tu.NewClock(t0),
		feed:    &feed{name: "weather"},
		kv:      storage.NewMemoryKV(),
		metrics: monitor.NewMetrics(),
	}
	e, err := New(Options{
		KV:           f.kv,
		Fetchers:     append([]source.Fetcher{f.feed}, extra...),
		Location:     "Miami",
		FetchTimeout: 50 * time.Millisecond,
		Channel:      f.channel,
		Metrics:      f.metrics,
		Now:          f.clock.Now,
	}, logger)
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(e.announcer.Clear)
	return f
}

func (f *fixture) poll(t *testing.T) scheduler.CycleReport {
	t.Helper()
	report, err := f.engine.PollOnce(context.Background())
	require.NoError(t, err)
	return report
}

func (f *fixture) finish(t *testing.T) {
	t.Helper()
	require.NoError(t, f.channel.Complete(nil))
}

func alert(id string, kind model.AlertKind, sev model.AlertSeverity, location string) model.Alert {
	return model.Alert{ID: id, Kind: kind, Severity: sev, Location: location, Title: id}
}

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(Options{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrNoChannel)
}

// Two identical flood events ten minutes apart announce once
func TestScenario_DuplicateSuppressed(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	f.feed.set(alert("flood-1", model.AlertKindFlood, model.AlertSeverityHigh, "Miami"))
	f.poll(t)
	f.finish(t)

	f.clock.Advance(10 * time.Minute)
	f.feed.set(alert("flood-2", model.AlertKindFlood, model.AlertSeverityHigh, "Miami"))
	report := f.poll(t)

	assert.Equal(t, 0, report.Eligible)
	assert.Equal(t, []string{"flood-1"}, f.channel.Texts())

	fp := ledger.Fingerprint(&model.Alert{Kind: model.AlertKindFlood, Severity: model.AlertSeverityHigh, Location: "Miami", ObservedAt: t0})
	rec, ok := f.engine.History(fp)
	require.True(t, ok)
	assert.Equal(t, 1, rec.TimesAnnounced)

	// Both are still listed
	assert.Len(t, f.engine.GetAllAlerts(), 2)
}

// Escalation after the duplicate window is announced again
func TestScenario_EscalationAfterWindow(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	f.feed.set(alert("flood-1", model.AlertKindFlood, model.AlertSeverityHigh, "Miami"))
	f.poll(t)
	f.finish(t)

	// Escalation alone inside the window does not admit
	f.clock.Advance(time.Hour)
	f.feed.set(alert("flood-2", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"))
	f.poll(t)
	assert.Len(t, f.channel.Playbacks(), 1)

	f.clock.Advance(2 * time.Hour)
	f.feed.set(alert("flood-3", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"))
	f.poll(t)
	assert.Equal(t, []string{"flood-1", "flood-3"}, f.channel.Texts())

	current, ok := f.engine.Current()
	require.True(t, ok)
	rec, ok := f.engine.History(current.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 2, rec.TimesAnnounced)
	assert.Equal(t, model.AlertSeverityCritical, rec.SeverityAtLastAnnouncement)
}

// Below-threshold events are stored but never announced
func TestScenario_BelowThresholdStillListed(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	_, err := f.engine.UpdateSettings(context.Background(), func(s *model.Settings) {
		s.MinSeverity = model.AlertSeverityCritical
	})
	require.NoError(t, err)

	f.feed.set(alert("storm-1", model.AlertKindStorm, model.AlertSeverityHigh, "Miami"))
	report := f.poll(t)

	assert.Equal(t, 0, report.Eligible)
	assert.Empty(t, f.channel.Playbacks())
	all := f.engine.GetAllAlerts()
	require.Len(t, all, 1)
	assert.Equal(t, "storm-1", all[0].ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AlertsFiltered.WithLabelValues("severity")))
}

// Muting stops the current announcement and clears the queue until muteUntil
func TestScenario_MuteFor(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	ctx := context.Background()

	f.feed.set(
		alert("flood-1", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"),
		alert("storm-1", model.AlertKindStorm, model.AlertSeverityCritical, "Miami"),
	)
	f.poll(t)
	require.Equal(t, scheduler.StateAnnouncing, f.engine.State())

	st, err := f.engine.MuteFor(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute).UnixMilli(), st.MuteUntil)
	assert.Equal(t, scheduler.StateIdle, f.engine.State())
	assert.Len(t, f.channel.Stopped(), 1)

	f.clock.Advance(5 * time.Minute)
	f.feed.set(alert("fire-1", model.AlertKindWildfire, model.AlertSeverityCritical, "Miami"))
	f.poll(t)
	assert.Len(t, f.channel.Playbacks(), 1)
	assert.Len(t, f.engine.GetAllAlerts(), 3)

	f.clock.Advance(10 * time.Minute)
	f.poll(t)
	assert.Equal(t, []string{"flood-1", "fire-1"}, f.channel.Texts())
}

// Three eligible events announce in rank order across cooldown-spaced cycles
func TestScenario_RankOrderAcrossCycles(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	nearby := 12.0
	disaster := alert("quake", model.AlertKindDisaster, model.AlertSeverityCritical, "Miami")
	disaster.DistanceKm = &nearby
	weather := alert("storm", model.AlertKindStorm, model.AlertSeverityCritical, "Miami")
	risk := alert("risk", model.AlertKindRiskPrediction, model.AlertSeverityHigh, "Miami")
	risk.Confidence = 0.8

	f.feed.set(risk, weather, disaster)

	for i := 0; i < 3; i++ {
		f.poll(t)
		f.finish(t)
		f.clock.Advance(filter.MinAnnouncementInterval)
	}

	assert.Equal(t, []string{"quake", "storm", "risk"}, f.channel.Texts())
}

// A source that stalls every cycle does not hold back the others
func TestScenario_StalledSource(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t), stalled{})

	for i := 0; i < 5; i++ {
		f.feed.set(alert("storm-"+string(rune('a'+i)), model.AlertKindStorm, model.AlertSeverityLow, "Miami"))
		report := f.poll(t)
		assert.Equal(t, 1, report.Stored)
		assert.Less(t, report.Took, time.Second)
		f.clock.Advance(2 * time.Minute)
	}

	assert.Len(t, f.engine.GetAllAlerts(), 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.SourceErrors.WithLabelValues("stalled")))
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.AlertsFetched.WithLabelValues("weather")))
}

func TestDismissIsPermanent(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	ctx := context.Background()

	f.feed.set(alert("flood-1", model.AlertKindFlood, model.AlertSeverityHigh, "Miami"))
	f.poll(t)
	current, ok := f.engine.Current()
	require.True(t, ok)

	f.engine.DismissFingerprint(ctx, current.Fingerprint)
	assert.Equal(t, scheduler.StateIdle, f.engine.State())

	f.clock.Advance(3 * time.Hour)
	f.feed.set(alert("flood-2", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"))
	report := f.poll(t)
	assert.Equal(t, 0, report.Eligible)
	assert.Len(t, f.channel.Playbacks(), 1)

	rec, ok := f.engine.History(current.Fingerprint)
	require.True(t, ok)
	assert.True(t, rec.UserDismissed)
}

func TestSkipDoesNotDismiss(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	f.feed.set(
		alert("flood-1", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"),
		alert("storm-1", model.AlertKindStorm, model.AlertSeverityHigh, "Tulsa"),
	)
	f.poll(t)
	current, _ := f.engine.Current()

	f.engine.Skip()
	// The next item waits for the cooldown
	assert.Equal(t, scheduler.StateIdle, f.engine.State())

	rec, ok := f.engine.History(current.Fingerprint)
	require.True(t, ok)
	assert.False(t, rec.UserDismissed)

	f.clock.Advance(2 * time.Minute)
	f.poll(t)
	assert.Equal(t, []string{"flood-1", "storm-1"}, f.channel.Texts())
}

func TestCooldownBetweenStarts(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	kinds := []model.AlertKind{
		model.AlertKindFlood, model.AlertKindStorm, model.AlertKindWildfire, model.AlertKindDisaster,
	}
	var batch []model.Alert
	for _, k := range kinds {
		batch = append(batch, alert(string(k), k, model.AlertSeverityCritical, "Miami"))
	}
	f.feed.set(batch...)

	var starts []time.Time
	for i := 0; i < 20; i++ {
		before := len(f.channel.Playbacks())
		f.poll(t)
		if len(f.channel.Playbacks()) > before {
			starts = append(starts, f.clock.Now())
			f.finish(t)
		}
		f.clock.Advance(30 * time.Second)
	}

	require.Len(t, starts, len(kinds))
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 2*time.Minute)
	}
}

func TestVoiceToggleHoldsAnnouncements(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := f.engine.UpdateSettings(ctx, func(s *model.Settings) { s.Voice = false })
	require.NoError(t, err)

	f.feed.set(alert("flood-1", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"))
	f.poll(t)
	assert.Empty(t, f.channel.Playbacks())
	assert.Len(t, f.engine.GetAllAlerts(), 1)

	_, err = f.engine.UpdateSettings(ctx, func(s *model.Settings) { s.Voice = true })
	require.NoError(t, err)
	f.poll(t)
	assert.Equal(t, []string{"flood-1"}, f.channel.Texts())
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	_, err := f.engine.UpdateSettings(context.Background(), func(s *model.Settings) { s.PollIntervalMs = 1000 })
	assert.ErrorIs(t, err, model.ErrInvalidSettings)
	assert.Equal(t, int64(model.DefaultPollIntervalMs), f.engine.Settings().PollIntervalMs)
}

func TestStartShutdownPersistsState(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	assert.ErrorIs(t, f.engine.Start(ctx), ErrAlreadyStarted)

	_, err := f.engine.UpdateSettings(ctx, func(s *model.Settings) {
		s.MinSeverity = model.AlertSeverityCritical
		s.PollIntervalMs = 300_000
	})
	require.NoError(t, err)
	f.engine.DismissFingerprint(ctx, "weather-flood-miami-major-20250601")

	require.NoError(t, f.engine.Shutdown(ctx))
	assert.ErrorIs(t, f.engine.Shutdown(ctx), ErrNotStarted)

	restarted, err := New(Options{KV: f.kv, Channel: channeltest.New(), Now: f.clock.Now}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Shutdown(ctx)

	assert.Equal(t, model.AlertSeverityCritical, restarted.Settings().MinSeverity)
	assert.Equal(t, int64(300_000), restarted.Settings().PollIntervalMs)
	rec, ok := restarted.History("weather-flood-miami-major-20250601")
	require.True(t, ok)
	assert.True(t, rec.UserDismissed)
}

func TestSubscriptionsIndependentOfAnnouncement(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	var got []string
	f.engine.Subscribe(monitor.Subscription{
		ComponentID: "storm-panel",
		Kinds:       []model.AlertKind{model.AlertKindStorm},
		Callback:    func(a *model.Alert) { got = append(got, a.ID) },
	})

	_, err := f.engine.MuteFor(context.Background(), time.Hour)
	require.NoError(t, err)

	f.feed.set(
		alert("storm-1", model.AlertKindStorm, model.AlertSeverityCritical, "Miami"),
		alert("flood-1", model.AlertKindFlood, model.AlertSeverityCritical, "Miami"),
	)
	f.poll(t)

	assert.Equal(t, []string{"storm-1"}, got)
	assert.Empty(t, f.channel.Playbacks())
	assert.True(t, f.engine.DismissAlert("storm-1"))
	assert.Len(t, f.engine.GetAllAlerts(), 1)
}
