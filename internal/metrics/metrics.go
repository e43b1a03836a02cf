// Package metrics provides Prometheus metrics for the codeyard server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/codeyard/schema"
)

// Metrics holds the collectors for one registry. It implements
// core.EventSink so workspace events feed the counters directly.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Session metrics
	sessionTransitions *prometheus.CounterVec
	sessionsConnected  prometheus.Gauge
	outputBytes        prometheus.Counter

	// Editor metrics
	savesTotal *prometheus.CounterVec

	// Sync metrics
	syncRunsTotal    *prometheus.CounterVec
	syncRecordsTotal *prometheus.CounterVec
	syncInvalidated  prometheus.Counter

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram

	treeMutations *prometheus.CounterVec

	// SSE metrics
	sseConnectionsActive prometheus.Gauge
	sseEventsTotal       *prometheus.CounterVec
}

// New registers the codeyard collectors plus the Go and process collectors on
// a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeyard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		sessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_session_transitions_total",
				Help: "Session status transitions by target status",
			},
			[]string{"status"},
		),
		sessionsConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codeyard_sessions_connected",
				Help: "Number of connected remote sessions",
			},
		),
		outputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codeyard_session_output_bytes_total",
				Help: "Bytes received from remote sessions",
			},
		),
		savesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_saves_total",
				Help: "Editor saves by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		syncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_sync_runs_total",
				Help: "Completed sync runs by outcome",
			},
			[]string{"result"},
		),
		syncRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_sync_records_total",
				Help: "Replayed tree nodes by kind and result",
			},
			[]string{"kind", "result"},
		),
		syncInvalidated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codeyard_sync_invalidations_total",
				Help: "Times a synced workspace was marked stale",
			},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_runs_total",
				Help: "Runs by outcome",
			},
			[]string{"result"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codeyard_run_duration_seconds",
				Help:    "Run duration in seconds, from write to end marker",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		treeMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_tree_mutations_total",
				Help: "Structural tree mutations by operation",
			},
			[]string{"op"},
		),
		sseConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codeyard_sse_connections_active",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeyard_sse_events_total",
				Help: "Total SSE events delivered",
			},
			[]string{"type"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SSEConnected adjusts the active SSE connection gauge.
func (m *Metrics) SSEConnected(delta int) {
	if m == nil {
		return
	}
	m.sseConnectionsActive.Add(float64(delta))
}

// RecordSSEEvent counts one delivered SSE event.
func (m *Metrics) RecordSSEEvent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsTotal.WithLabelValues(eventType).Inc()
}

// OnEvent updates the counters for one workspace event.
func (m *Metrics) OnEvent(event schema.Event) {
	if m == nil {
		return
	}
	switch event.Type {
	case schema.EventSession:
		if event.Session == nil {
			return
		}
		m.sessionTransitions.WithLabelValues(string(event.Session.Status)).Inc()
		if event.Session.Status == schema.SessionConnected {
			m.sessionsConnected.Inc()
		} else if event.Session.From == schema.SessionConnected {
			m.sessionsConnected.Dec()
		}
	case schema.EventOutput:
		if event.Output != nil {
			m.outputBytes.Add(float64(len(event.Output.Data)))
		}
	case schema.EventSave:
		if event.Save == nil {
			return
		}
		trigger := "manual"
		if event.Save.Auto {
			trigger = "auto"
		}
		m.savesTotal.WithLabelValues(trigger, result(event.Save.Error == "")).Inc()
	case schema.EventSync:
		m.onSync(event.Sync)
	case schema.EventRun:
		if event.Run == nil {
			return
		}
		m.runsTotal.WithLabelValues(runResult(event.Run)).Inc()
		if event.Run.Result.Duration > 0 {
			m.runDuration.Observe(event.Run.Result.Duration.Seconds())
		}
	case schema.EventTree:
		if event.Tree != nil {
			m.treeMutations.WithLabelValues(event.Tree.Op).Inc()
		}
	}
}

func (m *Metrics) onSync(ev *schema.SyncEvent) {
	if ev == nil {
		return
	}
	switch ev.Phase {
	case schema.SyncPhaseRecord:
		if ev.Record != nil {
			m.syncRecordsTotal.WithLabelValues(string(ev.Record.Kind), result(ev.Record.Success)).Inc()
		}
	case schema.SyncPhaseCompleted:
		outcome := "synced"
		switch {
		case ev.Error != "":
			outcome = "failed"
		case !ev.IsSynced:
			outcome = "partial"
		}
		m.syncRunsTotal.WithLabelValues(outcome).Inc()
	case schema.SyncPhaseInvalidated:
		m.syncInvalidated.Inc()
	}
}

func runResult(ev *schema.RunEvent) string {
	switch {
	case ev.Result.RanOk:
		return "ok"
	case !ev.Result.WroteOk:
		return "write_failed"
	case ev.Result.ExitCode != nil:
		return "nonzero_exit"
	default:
		return "failed"
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
