// Package metrics holds the Prometheus instruments for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adrelay/internal/domain"
)

const namespace = "adrelay"

// Metrics provides observability for the command pipeline. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Command outcomes by action and audit status
	CommandsTotal *prometheus.CounterVec

	// End-to-end routing latency by action
	CommandDuration *prometheus.HistogramVec

	// Messages stopped before routing, by gate
	RejectionsTotal *prometheus.CounterVec

	// HTTP requests by route pattern and status code
	HTTPRequests *prometheus.CounterVec

	// Housekeeping runs by job and result
	JobRuns *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry, with Go runtime and
// process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	start := time.Now()

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the relay started",
	}, func() float64 { return time.Since(start).Seconds() })

	return &Metrics{
		registry: reg,
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Routed commands by action and result",
		}, []string{"action", "status"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent routing a command, including directory lookup and dispatch",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),

		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Commands rejected before routing, by reason",
		}, []string{"reason"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_runs_total",
			Help:      "Housekeeping job runs by job and result",
		}, []string{"job", "result"}),
	}
}

// ObserveCommand records a routed command.
func (m *Metrics) ObserveCommand(action string, status domain.AuditStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	if !domain.Action(action).Known() {
		action = "unknown"
	}
	m.CommandsTotal.WithLabelValues(action, string(status)).Inc()
	m.CommandDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRejection(reason string) {
	if m != nil {
		m.RejectionsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) ObserveJob(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
}

// TrackSessions exposes the live session count.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil || count == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held in memory",
	}, func() float64 { return float64(count()) })
}

// TrackBusRefusals exposes how many commands the bus turned away.
func (m *Metrics) TrackBusRefusals(refused func() uint64) {
	if m == nil || refused == nil {
		return
	}
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_refused_total",
		Help:      "Commands refused because the inbound queue was full or closed",
	}, func() float64 { return float64(refused()) })
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
