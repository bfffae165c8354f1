package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	tasksAssigned    *prometheus.CounterVec
	tasksReported    *prometheus.CounterVec
	reportDuration   prometheus.Histogram
	tasksBroken      prometheus.Counter
	tasksReset       *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	driftRepaired    *prometheus.CounterVec
	reconcilePasses  prometheus.Counter
	reconcileTime    prometheus.Histogram
	queueOfferable   *prometheus.GaugeVec
	queueInFlight    *prometheus.GaugeVec
	activeContexts   prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *Collector {
	return &Collector{
		tasksAssigned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchd_tasks_assigned_total",
				Help: "Total number of tasks handed to polling workers",
			},
			[]string{"worker_id"},
		),
		tasksReported: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchd_tasks_reported_total",
				Help: "Total number of worker reports by resulting state",
			},
			[]string{"status"},
		),
		reportDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatchd_report_duration_seconds",
				Help:    "Time spent applying a worker report",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),
		tasksBroken: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchd_tasks_broken_total",
				Help: "Total number of tasks broken by failure propagation",
			},
		),
		tasksReset: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchd_tasks_reset_total",
				Help: "Total number of task resets by reason",
			},
			[]string{"reason"},
		),
		versionConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchd_version_conflicts_total",
				Help: "Total number of optimistic-lock conflicts by entity",
			},
			[]string{"entity"},
		),
		driftRepaired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchd_drift_repaired_total",
				Help: "Total number of reconciliation repairs by kind",
			},
			[]string{"kind"},
		),
		reconcilePasses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchd_reconcile_passes_total",
				Help: "Total number of per-context reconciliation passes",
			},
		),
		reconcileTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatchd_reconcile_duration_seconds",
				Help:    "Duration of one per-context reconciliation pass",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
		queueOfferable: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatchd_queue_offerable",
				Help: "Offerable tasks per execution context",
			},
			[]string{"execution_context_id"},
		),
		queueInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatchd_queue_in_flight",
				Help: "In-flight tasks per execution context",
			},
			[]string{"execution_context_id"},
		),
		activeContexts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchd_active_contexts",
				Help: "Number of execution contexts currently started",
			},
		),
	}
}

// RecordTaskAssigned records one successful assignment to a worker
func (c *Collector) RecordTaskAssigned(workerID string) {
	c.tasksAssigned.WithLabelValues(workerID).Inc()
}

// RecordTaskReported records one processed worker report
func (c *Collector) RecordTaskReported(status string, duration time.Duration) {
	c.tasksReported.WithLabelValues(status).Inc()
	c.reportDuration.Observe(duration.Seconds())
}

// RecordTasksBroken records tasks broken by one propagation pass
func (c *Collector) RecordTasksBroken(count int) {
	c.tasksBroken.Add(float64(count))
}

// RecordTaskReset records one task reset
func (c *Collector) RecordTaskReset(reason string) {
	c.tasksReset.WithLabelValues(reason).Inc()
}

// RecordVersionConflict records one optimistic-lock conflict
func (c *Collector) RecordVersionConflict(entity string) {
	c.versionConflicts.WithLabelValues(entity).Inc()
}

// RecordReconcilePass records one per-context reconciliation pass
func (c *Collector) RecordReconcilePass(duration time.Duration) {
	c.reconcilePasses.Inc()
	c.reconcileTime.Observe(duration.Seconds())
}

// RecordDriftRepaired records one reconciliation repair
func (c *Collector) RecordDriftRepaired(kind string) {
	c.driftRepaired.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the queue gauges for an execution context
func (c *Collector) SetQueueDepth(executionContextID string, offerable, inFlight int) {
	c.queueOfferable.WithLabelValues(executionContextID).Set(float64(offerable))
	c.queueInFlight.WithLabelValues(executionContextID).Set(float64(inFlight))
}

// SetActiveContexts sets the number of started execution contexts
func (c *Collector) SetActiveContexts(count int) {
	c.activeContexts.Set(float64(count))
}
