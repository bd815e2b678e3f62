package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTasks          prometheus.Gauge
	TaskEvents           *prometheus.CounterVec
	ActionsEnqueued      *prometheus.CounterVec
	ActionsDropped       prometheus.Counter
	ApprovalOutcomes     *prometheus.CounterVec
	BrowserSlotsOccupied prometheus.Gauge
	StreamFrames         *prometheus.CounterVec
	WSWriteErrors        *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of live tasks in the registry.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		ActionsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Actions accepted onto task queues by kind.",
		}, []string{"kind"}),
		ActionsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dropped_total",
			Help:      "Actions dropped because the task queue was already closed.",
		}),
		ApprovalOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_outcomes_total",
			Help:      "Approval gate outcomes by result.",
		}, []string{"outcome"}),
		BrowserSlotsOccupied: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_slots_occupied",
			Help:      "Remote-browser endpoints currently owned by a session.",
		}),
		StreamFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Frames written to clients by step kind.",
		}, []string{"step"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalOutcomes.WithLabelValues(outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
