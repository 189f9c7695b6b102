// Package metrics exposes Prometheus collectors for interview sessions and
// the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0x6d61/proctor/internal/engine"
)

// Metrics holds the collectors. It implements engine.Notifier.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted    prometheus.Counter
	sessionsFinished   *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	answersRecorded    *prometheus.CounterVec
	answerScore        prometheus.Histogram
	verificationCycles *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctor_sessions_started_total",
			Help: "Total number of interview sessions started",
		}),
		sessionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_sessions_finished_total",
				Help: "Total number of sessions that reached a terminal state",
			},
			[]string{"status", "reason"},
		),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_sessions_active",
			Help: "Current number of in-progress sessions",
		}),
		answersRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_answers_recorded_total",
				Help: "Total number of recorded answers",
			},
			[]string{"auto_submitted"},
		),
		answerScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_answer_score",
			Help:    "Distribution of answer scores",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		verificationCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_verification_cycles_total",
				Help: "Total number of verification cycles by outcome",
			},
			[]string{"outcome"},
		),

		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proctor_http_request_duration_seconds",
				Help:    "Time spent serving HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Notify implements engine.Notifier.
func (m *Metrics) Notify(ev engine.Event) {
	switch ev.Type {
	case engine.EventSessionStarted:
		m.sessionsStarted.Inc()
		m.sessionsActive.Inc()
	case engine.EventSessionCompleted:
		m.sessionsFinished.WithLabelValues(string(engine.StatusCompleted), "").Inc()
		m.sessionsActive.Dec()
	case engine.EventSessionTerminated:
		reason := ""
		if ev.Session != nil {
			reason = string(ev.Session.TerminationReason)
		}
		m.sessionsFinished.WithLabelValues(string(engine.StatusTerminated), reason).Inc()
		m.sessionsActive.Dec()
	case engine.EventAnswerRecorded:
		auto, _ := ev.Data["auto_submitted"].(bool)
		m.answersRecorded.WithLabelValues(strconv.FormatBool(auto)).Inc()
		if score, ok := ev.Data["score"].(float64); ok {
			m.answerScore.Observe(score)
		}
	case engine.EventVerificationCycle:
		outcome, _ := ev.Data["outcome"].(string)
		m.verificationCycles.WithLabelValues(outcome).Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
