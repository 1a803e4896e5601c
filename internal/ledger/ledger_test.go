package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/storage"
)

var day = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func floodMiami(sev model.AlertSeverity, at time.Time) *model.Alert {
	return &model.Alert{
		ID:         "flood-" + at.Format(time.RFC3339),
		Kind:       model.AlertKindFlood,
		Severity:   sev,
		ObservedAt: at,
		Location:   "Miami",
		Message:    "Flood warning",
	}
}

func TestFingerprint(t *testing.T) {
	t.Run("SameDayCollapses", func(t *testing.T) {
		a := floodMiami(model.AlertSeverityHigh, day)
		b := floodMiami(model.AlertSeverityHigh, day.Add(10*time.Minute))
		b.Message = "Different wording"
		assert.Equal(t, Fingerprint(a), Fingerprint(b))
		assert.Equal(t, "weather-flood-miami-major-20250601", Fingerprint(a))
	})

	t.Run("EscalationKeepsBucket", func(t *testing.T) {
		a := floodMiami(model.AlertSeverityHigh, day)
		b := floodMiami(model.AlertSeverityCritical, day.Add(3*time.Hour))
		assert.Equal(t, Fingerprint(a), Fingerprint(b))

		c := floodMiami(model.AlertSeverityMedium, day)
		assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	})

	t.Run("NextDayDiffers", func(t *testing.T) {
		a := floodMiami(model.AlertSeverityHigh, day)
		b := floodMiami(model.AlertSeverityHigh, day.Add(24*time.Hour))
		assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	})

	t.Run("LocationNormalized", func(t *testing.T) {
		a := floodMiami(model.AlertSeverityHigh, day)
		a.Location = "  New   York "
		assert.Equal(t, "weather-flood-new_york-major-20250601", Fingerprint(a))
	})

	t.Run("RiskPrediction", func(t *testing.T) {
		a := &model.Alert{
			Kind:       model.AlertKindRiskPrediction,
			Severity:   model.AlertSeverityCritical,
			Location:   "Dhaka",
			ObservedAt: day,
		}
		assert.Equal(t, "risk-risk-prediction-dhaka-major-20250601", Fingerprint(a))
	})

	t.Run("DisasterUsesRoundedCoordinates", func(t *testing.T) {
		a := &model.Alert{
			Kind:        model.AlertKindDisaster,
			Severity:    model.AlertSeverityHigh,
			Location:    "12km SW of Somewhere",
			Coordinates: &model.Coordinates{Lat: 35.6812, Lon: 139.7671},
			ObservedAt:  day,
		}
		b := a.Clone()
		b.Location = "13km SW of Somewhere"
		b.Coordinates = &model.Coordinates{Lat: 35.7049, Lon: 139.7702}
		assert.Equal(t, "disaster-disaster-35.7_139.8-major-20250601", Fingerprint(a))
		assert.Equal(t, Fingerprint(a), Fingerprint(b))
	})
}

func TestLedger_DuplicateSuppression(t *testing.T) {
	l := New(storage.NewMemoryKV(), zap.NewNop())
	first := floodMiami(model.AlertSeverityHigh, day)
	fp := Fingerprint(first)

	l.Observe(fp, day)
	require.NoError(t, l.Check(fp, model.AlertSeverityHigh, day))
	l.RecordAnnouncement(fp, model.AlertSeverityHigh, day)

	// Ten minutes later, same severity
	assert.ErrorIs(t, l.Check(fp, model.AlertSeverityHigh, day.Add(10*time.Minute)), ErrDuplicate)

	rec, ok := l.Record(fp)
	require.True(t, ok)
	assert.Equal(t, 1, rec.TimesAnnounced)
}

// Re-announcement needs BOTH the elapsed window and a strict escalation.
func TestLedger_ReannouncementRequiresBothConditions(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		sev     model.AlertSeverity
		wantErr error
	}{
		{"EscalatedWithinWindow", 30 * time.Minute, model.AlertSeverityCritical, ErrDuplicate},
		{"SameSeverityAfterWindow", 3 * time.Hour, model.AlertSeverityHigh, ErrDuplicate},
		{"LowerSeverityAfterWindow", 3 * time.Hour, model.AlertSeverityMedium, ErrDuplicate},
		{"EscalatedAfterWindow", 3 * time.Hour, model.AlertSeverityCritical, nil},
		{"EscalatedExactlyAtWindow", DuplicateWindow, model.AlertSeverityCritical, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(storage.NewMemoryKV(), zap.NewNop())
			fp := "weather-flood-miami-major-20250601"
			l.RecordAnnouncement(fp, model.AlertSeverityHigh, day)

			err := l.Check(fp, tt.sev, day.Add(tt.elapsed))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLedger_Escalation(t *testing.T) {
	l := New(storage.NewMemoryKV(), zap.NewNop())
	fp := Fingerprint(floodMiami(model.AlertSeverityHigh, day))

	l.RecordAnnouncement(fp, model.AlertSeverityHigh, day)
	later := day.Add(3 * time.Hour)
	require.NoError(t, l.Check(fp, model.AlertSeverityCritical, later))
	rec := l.RecordAnnouncement(fp, model.AlertSeverityCritical, later)

	assert.Equal(t, 2, rec.TimesAnnounced)
	assert.Equal(t, model.AlertSeverityCritical, rec.SeverityAtLastAnnouncement)
	assert.Equal(t, later, rec.LastAnnounced)
}

func TestLedger_DismissIsPermanent(t *testing.T) {
	l := New(storage.NewMemoryKV(), zap.NewNop())
	fp := "weather-storm-tulsa-major-20250601"

	l.Observe(fp, day)
	l.Dismiss(fp, day)

	for _, offset := range []time.Duration{time.Minute, 3 * time.Hour, 48 * time.Hour} {
		err := l.Check(fp, model.AlertSeverityCritical, day.Add(offset))
		assert.ErrorIs(t, err, ErrDismissed)
	}
}

func TestLedger_StartLog(t *testing.T) {
	l := New(storage.NewMemoryKV(), zap.NewNop())
	assert.True(t, l.LastAnnouncement().IsZero())

	for i := 0; i < 4; i++ {
		l.RecordAnnouncement("fp", model.AlertSeverityHigh, day.Add(time.Duration(i)*20*time.Minute))
	}

	now := day.Add(65 * time.Minute)
	assert.Equal(t, 3, l.AnnouncementsSince(now.Add(-time.Hour)))
	assert.Equal(t, day.Add(60*time.Minute), l.LastAnnouncement())
}

func TestLedger_Collect(t *testing.T) {
	l := New(storage.NewMemoryKV(), zap.NewNop())
	l.Observe("old", day)
	l.Observe("fresh", day.Add(6*24*time.Hour))
	l.RecordAnnouncement("announced", model.AlertSeverityHigh, day.Add(7*24*time.Hour))

	removed := l.Collect(day.Add(8 * 24 * time.Hour))
	assert.Equal(t, 1, removed)

	_, ok := l.Record("old")
	assert.False(t, ok)
	_, ok = l.Record("fresh")
	assert.True(t, ok)
	assert.Equal(t, 0, l.AnnouncementsSince(time.Time{}))
}

func TestLedger_Persistence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	l := New(kv, zap.NewNop())
	l.RecordAnnouncement("a", model.AlertSeverityHigh, day)
	l.Dismiss("b", day)
	require.NoError(t, l.Flush(ctx))

	restored := New(kv, zap.NewNop())
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, day, restored.LastAnnouncement().UTC())
	assert.ErrorIs(t, restored.Check("a", model.AlertSeverityHigh, day.Add(time.Minute)), ErrDuplicate)
	assert.ErrorIs(t, restored.Check("b", model.AlertSeverityLow, day), ErrDismissed)
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingKV) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }

func TestLedger_PersistenceFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	l := New(failingKV{}, zap.NewNop())

	assert.Error(t, l.Load(ctx))
	l.RecordAnnouncement("a", model.AlertSeverityHigh, day)
	assert.Error(t, l.Flush(ctx))

	assert.ErrorIs(t, l.Check("a", model.AlertSeverityHigh, day), ErrDuplicate)
}
