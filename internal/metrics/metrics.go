// Package metrics collects and exposes CI runner observability data.
//
// Two stores coexist:
//
//  1. An in-process Metrics struct (atomic counters) backing a lightweight
//     JSON snapshot and the in-flight/queue-depth figures /health reports.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems, served at /metrics (see internal/httpapi).
//
// Keeping both lets /health report status without a Prometheus scraper
// while still supporting external monitoring stacks.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects runtime counters for the scheduler and VM manager.
type Metrics struct {
	RunsStarted   atomic.Int64
	RunsSucceeded atomic.Int64
	RunsFailed    atomic.Int64

	JobsStarted   atomic.Int64
	JobsSucceeded atomic.Int64
	JobsFailed    atomic.Int64
	JobsSkipped   atomic.Int64
	JobsCancelled atomic.Int64

	VMsBooted  atomic.Int64
	VMsFailed  atomic.Int64
	VMsCrashed atomic.Int64

	inFlightJobs atomic.Int64
	queueDepth   atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics subsystem was initialized.
func StartTime() time.Time { return global.startTime }

// RecordRunStarted records a pipeline run admission.
func (m *Metrics) RecordRunStarted() {
	m.RunsStarted.Add(1)
	RecordPrometheusRunStarted()
}

// RecordRunFinished records a pipeline run's terminal outcome.
func (m *Metrics) RecordRunFinished(success bool) {
	if success {
		m.RunsSucceeded.Add(1)
	} else {
		m.RunsFailed.Add(1)
	}
	RecordPrometheusRunFinished(success)
}

// RecordJobFinished records a single job's terminal outcome.
func (m *Metrics) RecordJobFinished(status string, durationMs int64) {
	switch status {
	case "success":
		m.JobsSucceeded.Add(1)
	case "failure":
		m.JobsFailed.Add(1)
	case "skipped":
		m.JobsSkipped.Add(1)
	case "cancelled":
		m.JobsCancelled.Add(1)
	}
	RecordPrometheusJobFinished(status, durationMs)
}

// RecordJobStarted records a job transitioning to running.
func (m *Metrics) RecordJobStarted() {
	m.JobsStarted.Add(1)
	RecordPrometheusJobStarted()
}

// RecordVMBoot records a microVM boot, successful or not.
func (m *Metrics) RecordVMBoot(durationMs int64, success bool) {
	if success {
		m.VMsBooted.Add(1)
	} else {
		m.VMsFailed.Add(1)
	}
	RecordPrometheusVMBoot(durationMs, success)
}

// RecordVMCrashed records an unexpected microVM exit.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// SetInFlightJobs reports the scheduler's current concurrency usage.
func SetInFlightJobs(n int) {
	global.inFlightJobs.Store(int64(n))
	SetPrometheusInFlightJobs(n)
}

// SetQueueDepth reports the scheduler's pending-dispatch queue length.
func SetQueueDepth(n int) {
	global.queueDepth.Store(int64(n))
	SetPrometheusQueueDepth(n)
}

// InFlightJobs returns the last reported in-flight job count, for the
// health endpoint's queueStats.
func (m *Metrics) InFlightJobs() int64 { return m.inFlightJobs.Load() }

// QueueDepth returns the last reported queue depth, for the health
// endpoint's queueStats.
func (m *Metrics) QueueDepth() int64 { return m.queueDepth.Load() }

// Snapshot returns a point-in-time view of the counters for the CLI/health endpoint.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"runs": map[string]any{
			"started":   m.RunsStarted.Load(),
			"succeeded": m.RunsSucceeded.Load(),
			"failed":    m.RunsFailed.Load(),
		},
		"jobs": map[string]any{
			"started":   m.JobsStarted.Load(),
			"succeeded": m.JobsSucceeded.Load(),
			"failed":    m.JobsFailed.Load(),
			"skipped":   m.JobsSkipped.Load(),
			"cancelled": m.JobsCancelled.Load(),
		},
		"vms": map[string]any{
			"booted":  m.VMsBooted.Load(),
			"failed":  m.VMsFailed.Load(),
			"crashed": m.VMsCrashed.Load(),
		},
		"in_flight_jobs": m.inFlightJobs.Load(),
		"queue_depth":    m.queueDepth.Load(),
	}
}

// JSONHandler returns an HTTP handler that writes Snapshot as JSON. No
// route in this repository mounts it.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
