// Package metrics provides Prometheus-based metrics recording for the
// message bus, agents, orchestrator and session store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/insightmesh/core"
)

// Recorder implements bus.Observer, agent.ToolObserver, engine.Observer and
// session.Observer. Each Recorder owns its registry so several meshes can
// coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	messagesTotal    *prometheus.CounterVec
	toolCallsTotal   *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	tasksDispatched  *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	sessionsCreated  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	storageErrors    *prometheus.CounterVec
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_messages_total",
				Help: "Total number of messages sent over the bus by intent",
			},
			[]string{"intent"},
		),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_tool_calls_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "insightmesh_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		tasksDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_tasks_dispatched_total",
				Help: "Total number of tasks dispatched to agents by capability",
			},
			[]string{"capability"},
		),
		tasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_tasks_finished_total",
				Help: "Total number of tasks finished by capability and status",
			},
			[]string{"capability", "status"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_requests_total",
				Help: "Total number of finalized requests by status",
			},
			[]string{"status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "insightmesh_request_duration_seconds",
				Help:    "Duration from request acceptance to finalization in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "insightmesh_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_sessions_finished_total",
				Help: "Total number of sessions reaching a terminal status",
			},
			[]string{"status"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_cache_lookups_total",
				Help: "Total number of cache lookups by result",
			},
			[]string{"result"},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightmesh_storage_errors_total",
				Help: "Total number of persisted-tier failures by operation",
			},
			[]string{"op"},
		),
	}
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the recorder's metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// MessageSent counts a bus message.
func (r *Recorder) MessageSent(intent core.Intent) {
	r.messagesTotal.WithLabelValues(intent.String()).Inc()
}

// ToolExecuted records a tool execution.
func (r *Recorder) ToolExecuted(tool string, ok bool, duration time.Duration) {
	r.toolCallsTotal.WithLabelValues(tool, status(ok)).Inc()
	r.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// TaskDispatched counts a task message sent to an agent.
func (r *Recorder) TaskDispatched(capability string) {
	r.tasksDispatched.WithLabelValues(capability).Inc()
}

// TaskFinished counts a task completion or failure.
func (r *Recorder) TaskFinished(capability string, ok bool) {
	r.tasksFinished.WithLabelValues(capability, status(ok)).Inc()
}

// RequestFinished records a finalized request.
func (r *Recorder) RequestFinished(s core.SessionStatus, duration time.Duration) {
	r.requestsTotal.WithLabelValues(string(s)).Inc()
	r.requestDuration.WithLabelValues(string(s)).Observe(duration.Seconds())
}

// SessionCreated counts a new session.
func (r *Recorder) SessionCreated() {
	r.sessionsCreated.Inc()
}

// SessionFinished counts a session reaching a terminal status.
func (r *Recorder) SessionFinished(s core.SessionStatus) {
	r.sessionsFinished.WithLabelValues(string(s)).Inc()
}

// CacheLookup counts a cache hit or miss.
func (r *Recorder) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// StorageError counts a persisted-tier failure.
func (r *Recorder) StorageError(op string) {
	r.storageErrors.WithLabelValues(op).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
