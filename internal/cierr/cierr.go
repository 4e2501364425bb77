// Package cierr defines the runner's error taxonomy: a small set of
// sentinel kinds that callers match with errors.Is, wrapped with %w so
// the originating cause is never discarded.
package cierr

import "errors"

var (
	// ErrConfigInvalid marks a pipeline definition the config collaborator
	// could not resolve. Never retried; the owning run fails immediately.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrDependencyCycle marks a job graph with a cycle detected at build time.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrHypervisorStartFailed marks a failure to spawn or boot the hypervisor process.
	ErrHypervisorStartFailed = errors.New("hypervisor start failed")

	// ErrHypervisorAPI marks a non-2xx response from the hypervisor's control API.
	ErrHypervisorAPI = errors.New("hypervisor api error")

	// ErrNetworkSetupFailed marks a failure allocating or wiring a VM's network slot.
	ErrNetworkSetupFailed = errors.New("network setup failed")

	// ErrAgentUnreachable marks exhaustion of the bounded ping retry while waiting for the guest agent.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrStepTimeout marks a step whose execute call exceeded its timeout (guest exit code 124).
	ErrStepTimeout = errors.New("step timeout")

	// ErrStepNonZeroExit marks a step whose command exited non-zero.
	ErrStepNonZeroExit = errors.New("step non-zero exit")

	// ErrOrphanedOnRestart marks a run/job recovered in a non-terminal state after a crash.
	ErrOrphanedOnRestart = errors.New("orphaned on restart")

	// ErrWebhookSignatureInvalid marks a webhook delivery whose HMAC signature did not verify.
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")

	// ErrStoreBusy marks contention the caller should retry with backoff.
	ErrStoreBusy = errors.New("store busy")

	// ErrNotFound marks a lookup against an entity that does not exist.
	ErrNotFound = errors.New("not found")
)
