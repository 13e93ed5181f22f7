// Package metrics holds the Prometheus collectors shared by the poll pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "casewatch"

type Metrics struct {
	reg *prometheus.Registry

	PollsTotal        *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	PollAttempts      *prometheus.CounterVec
	StatusChanges     *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	NotificationRetry *prometheus.CounterVec
	SchedulerTicks    prometheus.Counter
	SchedulerSkipped  *prometheus.CounterVec
	InFlight          prometheus.Gauge
	QueueLength       prometheus.Gauge
	BusDropped        prometheus.GaugeFunc
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors. busDropped may be nil.
func New(busDropped func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles by jurisdiction and outcome",
		}, []string{"jurisdiction", "outcome"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Wall time of the fetch phase, retries included",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"jurisdiction"}),
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Upstream fetch attempts",
		}, []string{"jurisdiction"}),
		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Detected status changes by new status",
		}, []string{"jurisdiction", "status"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Finalized notification records by channel and status",
		}, []string{"channel", "status"}),
		NotificationRetry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_retries_total",
			Help:      "Send retries by channel",
		}, []string{"channel"}),
		SchedulerTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Trigger loop ticks",
		}),
		SchedulerSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_total",
			Help:      "Due tenants not enqueued, by reason",
		}, []string{"reason"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polls_in_flight",
			Help:      "Poll cycles currently running",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_queue_length",
			Help:      "Tasks waiting for a worker",
		}),
	}
	if busDropped != nil {
		m.BusDropped = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_events",
			Help:      "Events dropped because a subscriber buffer was full",
		}, busDropped)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObservePoll(jurisdiction, outcome string, attempts int, took time.Duration) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(jurisdiction, outcome).Inc()
	m.PollDuration.WithLabelValues(jurisdiction).Observe(took.Seconds())
	if attempts > 0 {
		m.PollAttempts.WithLabelValues(jurisdiction).Add(float64(attempts))
	}
}

func (m *Metrics) ObserveChange(jurisdiction, status string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(jurisdiction, status).Inc()
}

func (m *Metrics) ObserveNotification(channel, status string, retries int) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, status).Inc()
	if retries > 0 {
		m.NotificationRetry.WithLabelValues(channel).Add(float64(retries))
	}
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.SchedulerTicks.Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.SchedulerSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}
