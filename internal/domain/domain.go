// Package domain holds the core entities of the runner: projects, pipeline
// runs, jobs, steps, log chunks and webhook deliveries, plus the transient
// VM/network types the microVM path uses in memory only.
package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status shared by runs, jobs, and steps.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Project is a registered pipeline source. Never destroyed while
// referenced by runs.
type Project struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	ConfigPath string `json:"config_path" db:"config_path"`
}

// TriggerType is the kind of event that created a PipelineRun.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerTag         TriggerType = "tag"
	TriggerSchedule    TriggerType = "schedule"
	TriggerManual      TriggerType = "manual"
)

// PipelineRun is one execution of a project's pipeline.
type PipelineRun struct {
	ID           string          `json:"id" db:"id"`
	ProjectID    string          `json:"project_id" db:"project_id"`
	PipelineName string          `json:"pipeline_name" db:"pipeline_name"`
	Status       Status          `json:"status" db:"status"`
	TriggerType  TriggerType     `json:"trigger_type" db:"trigger_type"`
	TriggerData  json.RawMessage `json:"trigger_data,omitempty" db:"trigger_data"` // opaque blob of the originating event
	Branch       string          `json:"branch,omitempty" db:"branch"`
	CommitSHA    string          `json:"commit_sha,omitempty" db:"commit_sha"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Job is one node in a run's DAG; it executes inside exactly one microVM.
type Job struct {
	ID            string     `json:"id" db:"id"`
	PipelineRunID string     `json:"pipeline_run_id" db:"pipeline_run_id"`
	Name          string     `json:"name" db:"name"` // matrix-expanded names include axis values
	Status        Status     `json:"status" db:"status"`
	RunnerImage   string     `json:"runner_image" db:"runner_image"`
	ExitCode      *int       `json:"exit_code,omitempty" db:"exit_code"`
	DependsOn     []string   `json:"depends_on,omitempty" db:"-"` // persisted as JSON text; see store.jobRow.DependsOnJSON
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Step is one command issued to the in-VM agent on behalf of a job.
type Step struct {
	ID         string     `json:"id" db:"id"`
	JobID      string     `json:"job_id" db:"job_id"`
	Name       string     `json:"name" db:"name"`
	Order      int        `json:"order" db:"order"` // 0-based, total order within job
	Status     Status     `json:"status" db:"status"`
	ExitCode   *int       `json:"exit_code,omitempty" db:"exit_code"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// LogStream distinguishes stdout from stderr chunks.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogChunk is one append-only unit of job/step output. Sequence is
// monotonic and unique within the store, and preserves emission order
// for a given (JobID, StepID) pair.
type LogChunk struct {
	Sequence  int64     `json:"sequence" db:"sequence"`
	JobID     string    `json:"job_id" db:"job_id"`
	StepID    string    `json:"step_id,omitempty" db:"step_id"`
	Stream    LogStream `json:"stream" db:"stream"`
	Content   []byte    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// WebhookDelivery is a persisted record of an inbound webhook event,
// written before any action is taken so deliveries survive a crash and
// can be replayed.
type WebhookDelivery struct {
	ID            string          `json:"id" db:"id"`
	Provider      string          `json:"provider" db:"provider"`
	EventType     string          `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Signature     string          `json:"signature" db:"signature"`
	Processed     bool            `json:"processed" db:"processed"`
	PipelineRunID string          `json:"pipeline_run_id,omitempty" db:"pipeline_run_id"`
	Error         string          `json:"error,omitempty" db:"error"`
	ReceivedAt    time.Time       `json:"received_at" db:"received_at"`
}

// VMState is the lifecycle state of a transient VMInstance.
type VMState string

const (
	VMConfiguring VMState = "configuring"
	VMRunning     VMState = "running"
	VMStopped     VMState = "stopped"
	VMError       VMState = "error"
)

// VMInstance is process-memory only: owned exclusively by the VM manager,
// lent to exactly one executor at a time.
type VMInstance struct {
	ID         string
	APISockPath string
	VsockPath   string
	Network     NetworkConfig
	State       VMState
}

// NetworkConfig is the transient per-VM network assignment handed out by
// the slot allocator. Allocated from a /16 pool partitioned into /30
// blocks, keyed by a monotonically assigned slot index freed on destroy.
type NetworkConfig struct {
	Slot      int
	HostIface string
	HostIP    string
	GuestIP   string
	GuestMAC  string
	Gateway   string
	DNS       string
}

// MarshalBinary implements encoding.BinaryMarshaler so PipelineRun values
// can round-trip through cache layers that expect it (e.g. a Redis-backed
// auth/session store).
func (r *PipelineRun) MarshalBinary() ([]byte, error) { return json.Marshal(r) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *PipelineRun) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, r) }
