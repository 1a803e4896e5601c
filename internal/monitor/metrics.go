package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const namespace = "hazard"

// Announcement outcomes
const (
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeStopped   = "stopped"
)

// Poll cycle outcomes
const (
	CycleCompleted = "completed"
	CycleSkipped   = "skipped"
	CycleCanceled  = "canceled"
)

// Metrics wraps the engine's Prometheus collectors on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	AlertsFetched  *prometheus.CounterVec
	SourceErrors   *prometheus.CounterVec
	AlertsStored   prometheus.Counter
	AlertsFiltered *prometheus.CounterVec
	Announcements  *prometheus.CounterVec
	PollCycles     *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	ActiveAlerts   prometheus.Gauge
	HostCPU        prometheus.Gauge
	HostMemory     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		AlertsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fetched_total",
			Help:      "Alerts returned by each source",
		}, []string{"source"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Failed or timed out source fetches",
		}, []string{"source"}),
		AlertsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_stored_total",
			Help:      "Alerts admitted to the active set",
		}),
		AlertsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_filtered_total",
			Help:      "Alerts rejected from announcement, by stage",
		}, []string{"stage"}),
		Announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Announcement lifecycle events",
		}, []string{"outcome"}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by outcome",
		}, []string{"outcome"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of completed poll cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Alerts currently in the active set",
		}),
		HostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilisation sampled each poll cycle",
		}),
		HostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_percent",
			Help:      "Host memory utilisation sampled each poll cycle",
		}),
	}

	reg.MustRegister(
		m.AlertsFetched, m.SourceErrors, m.AlertsStored, m.AlertsFiltered,
		m.Announcements, m.PollCycles, m.PollDuration, m.ActiveAlerts,
		m.HostCPU, m.HostMemory,
	)
	return m
}

// Handler returns an HTTP handler serving this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Fetched(source string, n int) {
	if m == nil {
		return
	}
	m.AlertsFetched.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) SourceFailed(source string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) Stored(active int) {
	if m == nil {
		return
	}
	m.AlertsStored.Inc()
	m.ActiveAlerts.Set(float64(active))
}

func (m *Metrics) SetActive(active int) {
	if m == nil {
		return
	}
	m.ActiveAlerts.Set(float64(active))
}

func (m *Metrics) Filtered(stage string) {
	if m == nil {
		return
	}
	m.AlertsFiltered.WithLabelValues(stage).Inc()
}

func (m *Metrics) Announcement(outcome string) {
	if m == nil {
		return
	}
	m.Announcements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Cycle(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(outcome).Inc()
	if outcome == CycleCompleted {
		m.PollDuration.Observe(took.Seconds())
	}
}

// SampleHost records host CPU and memory utilisation
func (m *Metrics) SampleHost(logger *zap.Logger) {
	if m == nil {
		return
	}
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		logger.Debug("Failed to get CPU usage", zap.Error(err))
	} else {
		m.HostCPU.Set(cpuPercent[0])
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("Failed to get memory usage", zap.Error(err))
		return
	}
	m.HostMemory.Set(memInfo.UsedPercent)
}
