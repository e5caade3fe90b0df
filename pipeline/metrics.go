package pipeline

import "github.com/prometheus/client_golang/prometheus"

// metricsRegisterer is the subset of prometheus.Registerer the pipeline needs.
type metricsRegisterer interface {
	MustRegister(...prometheus.Collector)
}

type metrics struct {
	bytesTransferred prometheus.Counter
	completed        prometheus.Counter
	failed           *prometheus.CounterVec
	duration         prometheus.Histogram
}

func newMetrics(reg metricsRegisterer) *metrics {
	m := &metrics{
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exportd_pipeline_bytes_transferred_total",
			Help: "Bytes streamed into the object store by completed transfers.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exportd_pipeline_transfers_completed_total",
			Help: "Transfers finished successfully.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_pipeline_transfers_failed_total",
			Help: "Transfers finished with an error, by failure kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exportd_pipeline_transfer_duration_seconds",
			Help:    "End-to-end transfer time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bytesTransferred, m.completed, m.failed, m.duration)
	}
	return m
}

func (m *metrics) observeSuccess(bytes int64, seconds float64) {
	m.bytesTransferred.Add(float64(bytes))
	m.completed.Inc()
	m.duration.Observe(seconds)
}

func (m *metrics) observeFailure(err error) {
	kind := string(KindOf(err))
	if kind == "" {
		kind = "other"
	}
	m.failed.WithLabelValues(kind).Inc()
}
