package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Allocations       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "planner_allocations_total", Help: "Allocation requests by outcome"}, []string{"outcome"})
	AllocatedUnits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_allocated_units_total", Help: "Units assigned to manufacturers"})
	ScheduleRuns      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "planner_schedule_runs_total", Help: "Scheduling requests by outcome"}, []string{"outcome"})
	TasksScheduled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_tasks_scheduled_total", Help: "Tasks placed on a device"})
	TasksUnscheduled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_tasks_unscheduled_total", Help: "Tasks that could not be placed"})
	ScheduleConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_schedule_conflicts_total", Help: "Capacity conflicts reported by the scheduler"})
	PlanningDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "planner_planning_duration_seconds", Help: "Time spent computing a plan", Buckets: prometheus.DefBuckets}, []string{"operation"})
	InvariantFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_invariant_failures_total", Help: "Capacity consistency checks that failed"})

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_runs_enqueued_total", Help: "Total enqueued planning runs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_runs_completed_total", Help: "Runs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_runs_failed_total", Help: "Runs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_runs_dead_letter_total", Help: "Runs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "planner_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "planner_runs_inflight", Help: "Runs currently leased"})
	PurgedKeys       = prometheus.NewCounter(prometheus.CounterOpts{Name: "planner_idempotency_keys_purged_total", Help: "Expired idempotency keys removed by housekeeping"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Allocations,
			AllocatedUnits,
			ScheduleRuns,
			TasksScheduled,
			TasksUnscheduled,
			ScheduleConflicts,
			PlanningDuration,
			InvariantFailures,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			PurgedKeys,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
