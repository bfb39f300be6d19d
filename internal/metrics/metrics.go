// Package metrics holds the prometheus collectors of the worker, the
// tenancy layer and the scheduler.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tenantflow/internal/worker"
)

var (
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenantflow",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Bucketed histogram of task execution time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"task", "outcome"})
	SchemaSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantflow",
			Subsystem: "tenancy",
			Name:      "schema_switches_total",
			Help:      "counter for connection schema changes made around task execution",
		}, []string{"phase"})
	TenantCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantflow",
			Subsystem: "tenancy",
			Name:      "tenant_cache_lookups_total",
			Help:      "counter for tenant cache lookups",
		}, []string{"result"})
	TenantNotFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tenantflow",
			Subsystem: "tenancy",
			Name:      "tenant_not_found_total",
			Help:      "counter for tasks aborted because their schema has no tenant",
		})
	FanoutSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantflow",
			Subsystem: "scheduler",
			Name:      "fanout_submissions_total",
			Help:      "counter for scheduled submissions per schema",
		}, []string{"entry", "result"})
	ScheduleRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tenantflow",
			Subsystem: "scheduler",
			Name:      "database_schedule_rebuilds_total",
			Help:      "counter for rebuilds of the merged database schedule",
		})
)

// InitMetrics registers all metrics of the process.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(TaskDuration)
	registry.MustRegister(SchemaSwitches)
	registry.MustRegister(TenantCacheLookups)
	registry.MustRegister(TenantNotFound)
	registry.MustRegister(FanoutSubmissions)
	registry.MustRegister(ScheduleRebuilds)
}

// Middleware observes the duration and outcome of every task.
func Middleware() worker.Middleware {
	return func(ctx context.Context, inv *worker.Invocation, next worker.Next) error {
		start := time.Now()
		err := next(ctx)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		TaskDuration.WithLabelValues(inv.Task.Type, outcome).Observe(time.Since(start).Seconds())
		return err
	}
}
