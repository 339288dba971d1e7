package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Transitions           *prometheus.CounterVec
	ReconcilePasses       prometheus.Counter
	ReconcileRepairs      prometheus.Counter
	ReconcileTaskErrors   prometheus.Counter
	ReconcilePassDuration prometheus.Histogram
	SchedulerPolls        *prometheus.CounterVec
	ActiveMonitors        prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task transition attempts by actor and outcome.",
		}, []string{"actor", "outcome"}),
		ReconcilePasses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Completed reconciliation passes.",
		}),
		ReconcileRepairs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Task status corrections applied by reconciliation.",
		}),
		ReconcileTaskErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_task_errors_total",
			Help:      "Per-task errors isolated during reconciliation passes.",
		}),
		ReconcilePassDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Duration of a reconciliation pass.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
		}),
		SchedulerPolls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_polls_total",
			Help:      "Scheduler poll invocations by consumer and outcome.",
		}, []string{"consumer", "outcome"}),
		ActiveMonitors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dispatch_monitors",
			Help:      "Number of in-flight dispatch monitor entries.",
		}),
	}
}

func (m *Metrics) ObserveTransition(actor, outcome string) {
	m.Transitions.WithLabelValues(actor, outcome).Inc()
}

func (m *Metrics) ObservePoll(consumer string, err error, _ time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SchedulerPolls.WithLabelValues(consumer, outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
