package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AdmissionDecisions counts admission outcomes by reason
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_admission_decisions_total",
			Help: "Admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	// TasksDispatched counts handoffs by strategy
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_dispatched_total",
			Help: "Tasks handed to a dispatch strategy",
		},
		[]string{"strategy"},
	)

	// TasksFinished counts terminal task outcomes
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		},
		[]string{"status", "type"},
	)

	// TaskDuration observes end-to-end execution time
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpilot_task_duration_seconds",
			Help:    "Task execution time",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"status"},
	)

	// CreditsBilled sums the final cost of settled bills
	CreditsBilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_credits_billed_total",
		Help: "Credits charged to user budgets",
	})

	// QueueRedeliveries counts in-flight items returned to the queue
	QueueRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_queue_redeliveries_total",
			Help: "Stale queue items made visible again",
		},
		[]string{"queue"},
	)

	// UndoOperations counts compensations by undone action and outcome
	UndoOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_undo_operations_total",
			Help: "Compensating actions run for journal entries",
		},
		[]string{"action", "outcome"},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
