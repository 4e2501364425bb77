package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the CI runner's prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	runsTotal *prometheus.CounterVec
	jobsTotal *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec
	vmBootTime  prometheus.Histogram
	storeTxTime *prometheus.HistogramVec

	uptime        prometheus.GaugeFunc
	inFlightJobs  prometheus.Gauge
	queueDepth    prometheus.Gauge
	vmsCrashed    prometheus.Counter
	vmsBootFailed prometheus.Counter
}

var defaultDurationBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus registers the CI runner's collectors under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "runs_total", Help: "Total pipeline runs by outcome"},
			[]string{"status"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "jobs_total", Help: "Total jobs by terminal status"},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "job_duration_milliseconds", Help: "Job execution duration in milliseconds", Buckets: buckets},
			[]string{"status"},
		),
		vmBootTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "vm_boot_duration_milliseconds", Help: "microVM spawn-to-configured duration in milliseconds", Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000}},
		),
		storeTxTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "store_transaction_milliseconds", Help: "Store transaction latency in milliseconds", Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100}},
			[]string{"operation"},
		),
		inFlightJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "scheduler_in_flight_jobs", Help: "Jobs currently dispatched to a microVM"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "scheduler_queue_depth", Help: "Ready jobs waiting on a free dispatch slot"},
		),
		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vms_crashed_total", Help: "Total microVMs that exited unexpectedly"},
		),
		vmsBootFailed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vm_boot_failures_total", Help: "Total microVM boot attempts that failed"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Time since the runner daemon started"},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.runsTotal, pm.jobsTotal, pm.jobDuration, pm.vmBootTime, pm.storeTxTime,
		pm.uptime, pm.inFlightJobs, pm.queueDepth, pm.vmsCrashed, pm.vmsBootFailed,
	)

	promMetrics = pm
}

// RecordPrometheusRunStarted records a run admission.
func RecordPrometheusRunStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.runsTotal.WithLabelValues("started").Inc()
}

// RecordPrometheusRunFinished records a run's terminal outcome.
func RecordPrometheusRunFinished(success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	promMetrics.runsTotal.WithLabelValues(status).Inc()
}

// RecordPrometheusJobStarted records a job transitioning to running.
func RecordPrometheusJobStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsTotal.WithLabelValues("started").Inc()
}

// RecordPrometheusJobFinished records a job's terminal outcome and duration.
func RecordPrometheusJobFinished(status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsTotal.WithLabelValues(status).Inc()
	promMetrics.jobDuration.WithLabelValues(status).Observe(float64(durationMs))
}

// RecordPrometheusVMBoot records a microVM boot attempt's duration and outcome.
func RecordPrometheusVMBoot(durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	if success {
		promMetrics.vmBootTime.Observe(float64(durationMs))
	} else {
		promMetrics.vmsBootFailed.Inc()
	}
}

// RecordPrometheusVMCrashed records an unexpected microVM exit.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordStoreTransaction records a store operation's latency.
func RecordStoreTransaction(operation string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.storeTxTime.WithLabelValues(operation).Observe(durationMs)
}

// SetPrometheusInFlightJobs sets the in-flight-jobs gauge.
func SetPrometheusInFlightJobs(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.inFlightJobs.Set(float64(n))
}

// SetPrometheusQueueDepth sets the scheduler queue-depth gauge.
func SetPrometheusQueueDepth(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(n))
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping at /metrics.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for tests or custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
