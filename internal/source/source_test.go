package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/testutil"
)

type stubFetcher struct {
	name   string
	alerts []*model.Alert
	err    error
	block  bool
	panic  bool
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(ctx context.Context, _ string) ([]*model.Alert, error) {
	if s.panic {
		panic("boom")
	}
	if s.block {
		// ignores ctx on purpose
		time.Sleep(2 * time.Second)
	}
	return s.alerts, s.err
}

func TestFetchAll(t *testing.T) {
	weather := &stubFetcher{name: "weather", alerts: []*model.Alert{{ID: "w1"}, {ID: "w2"}}}
	quakes := &stubFetcher{name: "quakes", alerts: []*model.Alert{{ID: "q1", Source: "usgs"}}}
	broken := &stubFetcher{name: "broken", err: errors.New("connection refused")}
	slow := &stubFetcher{name: "slow", block: true, alerts: []*model.Alert{{ID: "late"}}}
	panicky := &stubFetcher{name: "panicky", panic: true}

	start := time.Now()
	merged, results := FetchAll(context.Background(),
		[]Fetcher{weather, broken, slow, quakes, panicky}, "Miami", 100*time.Millisecond, zaptest.NewLogger(t))

	assert.Less(t, time.Since(start), time.Second)

	var got []string
	for _, a := range merged {
		got = append(got, a.ID)
	}
	assert.Equal(t, []string{"w1", "w2", "q1"}, got)
	assert.Equal(t, "weather", merged[0].Source)
	assert.Equal(t, "usgs", merged[2].Source)

	require.Len(t, results, 5)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrSourceTimeout)
	assert.Empty(t, results[2].Alerts)
	assert.Contains(t, results[4].Err.Error(), "panicked")
	assert.Equal(t, "slow", results[2].Source)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.NextRetry(0))
	assert.Equal(t, 200*time.Millisecond, b.NextRetry(1))
	assert.Equal(t, 800*time.Millisecond, b.NextRetry(3))
	assert.Equal(t, time.Second, b.NextRetry(4))
}

var fastBackoff = &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

func TestRetry(t *testing.T) {
	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 3, fastBackoff, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("ReturnsLastError", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 2, fastBackoff, func() error {
			calls++
			return fmt.Errorf("attempt %d", calls)
		})
		assert.EqualError(t, err, "attempt 2")
	})

	t.Run("StopsOnPermanent", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("bad request")
		err := Retry(context.Background(), 5, fastBackoff, func() error {
			calls++
			return Permanent(sentinel)
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("StopsOnCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, 5, &ExponentialBackoff{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}, func() error {
			calls++
			cancel()
			return errors.New("transient")
		})
		assert.EqualError(t, err, "transient")
		assert.Equal(t, 1, calls)
	})
}

func TestHTTPSource(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if atomic.AddInt32(&hits, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fallthrough
		case "/alerts":
			assert.Equal(t, "Miami Beach", r.URL.Query().Get("location"))
			_, _ = w.Write([]byte(`{"alerts": [
				{"id": "f1", "kind": "flood", "severity": "severe", "location": "Miami Beach", "observed_at": "2025-06-01T09:00:00Z"},
				{"id": "bad", "kind": "flood", "severity": "apocalyptic"},
				{"id": "odd", "kind": "meteor", "severity": "high"}
			]}`))
		case "/array/Miami+Beach":
			_, _ = w.Write([]byte(`[{"id": "s1", "kind": "storm", "severity": "extreme"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	newSource := func(path string) *HTTPSource {
		return NewHTTPSource(HTTPConfig{
			Name:     "weather",
			URL:      srv.URL + path,
			Attempts: 3,
			Backoff:  fastBackoff,
			Client:   srv.Client(),
		}, zaptest.NewLogger(t))
	}

	t.Run("Wrapped", func(t *testing.T) {
		alerts, err := newSource("/alerts").Fetch(context.Background(), "Miami Beach")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, model.AlertSeverityHigh, alerts[0].Severity)
		assert.Equal(t, model.AlertKindFlood, alerts[0].Kind)
	})

	t.Run("ArrayWithPlaceholder", func(t *testing.T) {
		alerts, err := newSource("/array/"+LocationPlaceholder).Fetch(context.Background(), "Miami Beach")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, model.AlertSeverityCritical, alerts[0].Severity)
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		alerts, err := newSource("/flaky").Fetch(context.Background(), "Miami Beach")
		require.NoError(t, err)
		assert.Len(t, alerts, 1)
		assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	})

	t.Run("ClientErrorIsPermanent", func(t *testing.T) {
		_, err := newSource("/missing").Fetch(context.Background(), "Miami Beach")
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
		assert.Contains(t, err.Error(), "404")
	})
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, model.AlertSeverityCritical, LevelForScore(0.95))
	assert.Equal(t, model.AlertSeverityCritical, LevelForScore(0.9))
	assert.Equal(t, model.AlertSeverityHigh, LevelForScore(0.85))
	assert.Equal(t, model.AlertSeverityMedium, LevelForScore(0.6))
	assert.Equal(t, model.AlertSeverityLow, LevelForScore(0.59))
}

func TestRiskSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"risk_score": 0.92, "risk_label": "", "confidence": 0.75, "risk_type": "heatwave", "region": "Dhaka", "prediction_date": "2025-06-01T06:00:00Z"},
			{"risk_score": 0.5, "risk_label": "high", "confidence": 0.4, "risk_type": "flood", "prediction_date": "2025-06-01T06:00:00Z"}
		]`))
	}))
	defer srv.Close()

	s := NewRiskSource(HTTPConfig{URL: srv.URL, Backoff: fastBackoff, Client: srv.Client()}, zap.NewNop())
	assert.Equal(t, "risk-model", s.Name())

	alerts, err := s.Fetch(context.Background(), "Chittagong")
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	heat := alerts[0]
	assert.Equal(t, model.AlertKindRiskPrediction, heat.Kind)
	assert.Equal(t, model.AlertSeverityCritical, heat.Severity)
	assert.Equal(t, "Dhaka", heat.Location)
	assert.InDelta(t, 0.75, heat.Confidence, 1e-9)
	assert.Equal(t, time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC), heat.ExpiresAt.UTC())
	assert.Contains(t, heat.Message, "extreme-heat")
	assert.Contains(t, heat.Message, "75%")

	flood := alerts[1]
	assert.Equal(t, model.AlertSeverityHigh, flood.Severity)
	assert.Equal(t, "Chittagong", flood.Location)
}

func TestInboxSource(t *testing.T) {
	_, nc, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	inbox := NewInboxSource(nc, "", 2, zaptest.NewLogger(t))
	require.NoError(t, inbox.Start())
	defer inbox.Stop()

	for _, payload := range []string{
		`{"id": "p1", "kind": "wildfire", "severity": "high"}`,
		`not json`,
		`{"id": "p2", "kind": "volcano", "severity": "high"}`,
		`{"id": "p3", "kind": "storm", "severity": "critical"}`,
		`{"id": "p4", "kind": "flood", "severity": "critical"}`,
	} {
		require.NoError(t, nc.Publish("hazard.events.push", []byte(payload)))
	}
	require.NoError(t, nc.Flush())

	require.NoError(t, testutil.WaitFor(2*time.Second, func() bool {
		inbox.mu.Lock()
		defer inbox.mu.Unlock()
		return len(inbox.buffer) == 2 && inbox.buffer[1].ID == "p4"
	}))

	got, err := inbox.Fetch(context.Background(), "anywhere")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p3", got[0].ID)
	assert.Equal(t, "p4", got[1].ID)

	again, err := inbox.Fetch(context.Background(), "anywhere")
	require.NoError(t, err)
	assert.Empty(t, again)
}
