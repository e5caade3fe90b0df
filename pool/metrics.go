package pool

import "github.com/prometheus/client_golang/prometheus"

// metricsRegisterer is the subset of prometheus.Registerer the pool needs.
type metricsRegisterer interface {
	MustRegister(...prometheus.Collector)
}

type metrics struct {
	poolSize     prometheus.Gauge
	queueLength  prometheus.Gauge
	activeTasks  prometheus.Gauge
	completed    prometheus.Counter
	failed       prometheus.Counter
	crashes      prometheus.Counter
	taskDuration prometheus.Histogram
}

func newMetrics(reg metricsRegisterer) *metrics {
	m := &metrics{
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exportd_pool_size",
			Help: "Configured number of pool executors.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exportd_pool_queue_length",
			Help: "Tasks waiting in the pool backlog.",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exportd_pool_active_tasks",
			Help: "Tasks currently executing.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exportd_pool_tasks_completed_total",
			Help: "Tasks finished successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exportd_pool_tasks_failed_total",
			Help: "Tasks finished with an error, including crashes.",
		}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exportd_pool_executor_crashes_total",
			Help: "Executors lost to a panicking task.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exportd_pool_task_duration_seconds",
			Help:    "Task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.poolSize, m.queueLength, m.activeTasks,
			m.completed, m.failed, m.crashes, m.taskDuration,
		)
	}
	return m
}

func (m *metrics) observe(done taskDone) {
	m.taskDuration.Observe(done.duration.Seconds())
	switch {
	case done.crashed:
		m.crashes.Inc()
		m.failed.Inc()
	case done.err != nil:
		m.failed.Inc()
	default:
		m.completed.Inc()
	}
}
