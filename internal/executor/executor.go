// Package executor implements the per-job VM orchestration (C6): for
// one job, allocate a network slot, boot a microVM, wait for its
// in-VM agent, push the workspace, run steps in order, and tear
// everything down. No direct teacher file covers this orchestration
// (the teacher's executor package runs FaaS invocations, not VMs) —
// grounded on invoker.go's Invoker interface shape for the exported
// contract and on asyncqueue/worker.go's job-processing method shape
// for the step loop.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowforge/runner/internal/agent"
	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/firecracker"
	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/network"
	"github.com/flowforge/runner/internal/observability"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/store"
	"github.com/flowforge/runner/internal/vmpool"
)

// WorkspaceFile is one file pushed into the guest before steps run.
type WorkspaceFile struct {
	Path    string
	Content []byte
	Mode    uint32
}

// StepSpec is one command to run inside the job's VM, in declared order.
type StepSpec struct {
	StepID          string
	Name            string
	Command         string
	Env             map[string]string
	TimeoutMS       int64
	ContinueOnError bool
}

// Job is everything the executor needs to run one job to completion.
type Job struct {
	ID          string
	RunID       string
	RunnerImage string
	KernelImage string
	RootFSImage string
	Workspace   []WorkspaceFile
	Steps       []StepSpec

	// Retry, if set, governs how a failing step is re-run before the
	// job is marked failed. Nil means no retry: a step's first
	// non-zero exit is final.
	Retry *pipeline.RetrySpec
}

// Result is the terminal outcome of one job run.
type Result struct {
	JobID    string
	Success  bool
	ExitCode int
}

// Config bundles the executor's collaborators and tunables.
type Config struct {
	Store          *store.Store
	Network        *network.Allocator
	VMs            *firecracker.Manager
	LogBus         *logbus.Bus
	HypervisorBin  string
	RuntimeDir     string
	VCPUCount      int
	MemSizeMiB     int
	AgentPingRetry int
	AgentPingDelay time.Duration
	StopTimeout    time.Duration
	WorkspacePush  int // max concurrent file_write calls during workspace push

	// WarmPool, if set, is consulted before every cold boot. A hit skips
	// Create+Start+agent-wait entirely; a miss falls back to the normal
	// path transparently — pool membership never leaks into Job/Result.
	WarmPool *vmpool.Pool

	// NewAgentClient builds the client used to reach a job's guest
	// agent over vsock. Overridable in tests to dial an in-process
	// fake guest instead of a real VM's vsock socket.
	NewAgentClient func() *agent.Client
}

// Executor runs a single job to completion. A fresh Executor is
// constructed per job by the scheduler; it holds no state beyond its
// Config and is safe to run concurrently with other Executors sharing
// the same collaborators.
type Executor struct {
	cfg Config
}

// New constructs an Executor from shared collaborators.
func New(cfg Config) *Executor {
	if cfg.VCPUCount <= 0 {
		cfg.VCPUCount = 1
	}
	if cfg.MemSizeMiB <= 0 {
		cfg.MemSizeMiB = 256
	}
	if cfg.AgentPingRetry <= 0 {
		cfg.AgentPingRetry = 20
	}
	if cfg.AgentPingDelay <= 0 {
		cfg.AgentPingDelay = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.WorkspacePush <= 0 {
		cfg.WorkspacePush = 4
	}
	if cfg.NewAgentClient == nil {
		cfg.NewAgentClient = func() *agent.Client {
			return agent.NewClient(agent.VsockTransport{ContextID: 3, Port: 1024})
		}
	}
	return &Executor{cfg: cfg}
}

// Run executes job end to end: allocate network, boot VM, wait for
// the agent, push the workspace, run steps in order, then destroy the
// VM and release the network slot regardless of outcome. A non-nil
// error means the job could not even be attempted (infrastructure
// failure); a failed step is reported via Result, not an error.
func (e *Executor) Run(ctx context.Context, job Job) (*Result, error) {
	log := logging.ForJob(job.RunID, job.ID)

	ctx, jobSpan := observability.StartSpan(ctx, "job.execute",
		observability.AttrRunID.String(job.RunID),
		observability.AttrJobID.String(job.ID),
	)
	defer jobSpan.End()

	var (
		vm    *domain.VMInstance
		alloc *network.Allocation
	)
	if e.cfg.WarmPool != nil {
		if entry, ok := e.cfg.WarmPool.Acquire(job.RootFSImage); ok {
			vm, alloc = entry.VM, entry.Alloc
			log.Debug("claimed warm VM, skipping cold boot", "vm", vm.ID)
		}
	}
	if vm == nil {
		var err error
		alloc, err = e.cfg.Network.Allocate(ctx, job.ID)
		if err != nil {
			observability.SetSpanError(jobSpan, err)
			return nil, err
		}
		vm, err = e.bootVM(ctx, job, alloc)
		if err != nil {
			e.cfg.Network.Release(context.Background(), alloc)
			observability.SetSpanError(jobSpan, err)
			return nil, err
		}
	}
	defer e.cfg.Network.Release(context.Background(), alloc)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
		defer cancel()
		_ = e.cfg.VMs.Stop(stopCtx, vm.ID, e.cfg.StopTimeout)
		_ = e.cfg.VMs.Destroy(stopCtx, vm.ID)
	}()

	client := e.cfg.NewAgentClient()
	if err := e.waitForAgent(ctx, client); err != nil {
		observability.SetSpanError(jobSpan, err)
		return nil, err
	}

	if err := e.pushWorkspace(ctx, client, job.Workspace); err != nil {
		observability.SetSpanError(jobSpan, err)
		return nil, err
	}

	log.Debug("job workspace pushed, running steps", "steps", len(job.Steps))
	result, err := e.runSteps(ctx, job)
	if err != nil {
		observability.SetSpanError(jobSpan, err)
	} else {
		observability.SetSpanOK(jobSpan)
	}
	return result, err
}

func (e *Executor) bootVM(ctx context.Context, job Job, alloc *network.Allocation) (*domain.VMInstance, error) {
	ctx, span := observability.StartSpan(ctx, "job.vm_boot", observability.AttrJobID.String(job.ID))
	defer span.End()

	cfg := firecracker.VMConfig{
		BootSource: firecracker.BootSource{
			KernelImagePath: job.KernelImage,
			BootArgs:        bootArgs(alloc),
		},
		Machine: firecracker.MachineConfig{
			VCPUCount:  e.cfg.VCPUCount,
			MemSizeMiB: e.cfg.MemSizeMiB,
		},
		Drives: []firecracker.Drive{{
			DriveID:      "rootfs",
			PathOnHost:   job.RootFSImage,
			IsRootDevice: true,
		}},
		Interfaces: []firecracker.NetworkInterface{{
			IfaceID:     "eth0",
			HostDevName: alloc.HostIface,
			GuestMAC:    alloc.GuestMAC.String(),
		}},
		Vsock: &firecracker.Vsock{
			VsockID:  "vsock0",
			GuestCID: 3,
			UDSPath:  fmt.Sprintf("%s/%s.vsock", e.cfg.RuntimeDir, job.ID),
		},
	}

	vm, err := e.cfg.VMs.Create(ctx, firecracker.Opts{
		BinaryPath: e.cfg.HypervisorBin,
		RuntimeDir: e.cfg.RuntimeDir,
		VMID:       job.ID,
		Config:     cfg,
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.AttrVMID.String(vm.ID))
	if err := e.cfg.VMs.Start(ctx, vm.ID); err != nil {
		observability.SetSpanError(span, err)
		destroyCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
		defer cancel()
		_ = e.cfg.VMs.Destroy(destroyCtx, vm.ID)
		return nil, err
	}
	observability.SetSpanOK(span)
	return vm, nil
}

func bootArgs(alloc *network.Allocation) string {
	return fmt.Sprintf("ip=%s::%s:255.255.255.252::eth0:off gw=%s dns=%s",
		alloc.GuestIP, alloc.Gateway, alloc.Gateway, alloc.DNS)
}

// waitForAgent pings the guest agent with a bounded retry budget,
// distinct from the connection-level retries inside agent.Client
// itself (those cover a single dial's transient failures; this covers
// the guest's boot-to-network-up window).
func (e *Executor) waitForAgent(ctx context.Context, client *agent.Client) error {
	ctx, span := observability.StartSpan(ctx, "job.agent_wait")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < e.cfg.AgentPingRetry; attempt++ {
		if _, err := client.Ping(ctx); err == nil {
			observability.SetSpanOK(span)
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			observability.SetSpanError(span, ctx.Err())
			return ctx.Err()
		case <-time.After(e.cfg.AgentPingDelay):
		}
	}
	err := fmt.Errorf("%w: %v", cierr.ErrAgentUnreachable, lastErr)
	observability.SetSpanError(span, err)
	return err
}

// pushWorkspace uploads every workspace file, bounding concurrency so
// a large fan-out of small files doesn't open unbounded connections
// to the guest.
func (e *Executor) pushWorkspace(ctx context.Context, client *agent.Client, files []WorkspaceFile) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WorkspacePush)
	for _, f := range files {
		f := f
		g.Go(func() error {
			mode := f.Mode
			resp, err := client.FileWrite(gctx, agent.FileWriteRequest{
				Path:     f.Path,
				Content:  string(f.Content),
				Encoding: agent.EncodingUTF8,
				Mode:     &mode,
			})
			if err != nil {
				return fmt.Errorf("push %s: %w", f.Path, err)
			}
			if !resp.Success {
				return fmt.Errorf("push %s: %s", f.Path, resp.Error)
			}
			return nil
		})
	}
	return g.Wait()
}

// runSteps executes job's steps strictly in order. A step is skipped
// if an earlier step failed and that earlier step did not declare
// continue-on-error; log chunks are appended durably and fanned out
// live before the step's terminal status is recorded.
func (e *Executor) runSteps(ctx context.Context, job Job) (*Result, error) {
	failed := false
	lastExit := 0

	for _, step := range job.Steps {
		if failed {
			_ = e.cfg.Store.UpdateStepStatus(ctx, step.StepID, domain.StatusSkipped, nil)
			continue
		}

		exitCode, hasExit, stepFailed := e.runStepWithRetry(ctx, job, step)
		if hasExit {
			lastExit = exitCode
		}
		if stepFailed && !step.ContinueOnError {
			failed = true
		}
	}

	return &Result{JobID: job.ID, Success: !failed, ExitCode: lastExit}, nil
}

// runStepWithRetry runs step once, then — when job.Retry allows it —
// re-runs it on a non-zero exit until it succeeds or MaxAttempts is
// exhausted, pausing DelayMS between attempts. A retry is only
// attempted for a step that actually exited (the agent protocol
// itself failing is not a retryable exit code); it fires when the
// exit code matches OnExitCodes, or on any non-zero exit when
// OnExitCodes is empty. hasExit reports whether resp.ExitCode is
// meaningful (false when the agent call itself errored).
func (e *Executor) runStepWithRetry(ctx context.Context, job Job, step StepSpec) (exitCode int, hasExit bool, failed bool) {
	stepCtx, span := observability.StartSpan(ctx, "job.step",
		observability.AttrJobID.String(job.ID),
		observability.AttrStepName.String(step.Name),
	)
	defer span.End()

	_ = e.cfg.Store.UpdateStepStatus(ctx, step.StepID, domain.StatusRunning, nil)

	maxAttempts := 1
	var delay time.Duration
	var onExitCodes []int
	if job.Retry != nil && job.Retry.MaxAttempts > maxAttempts {
		maxAttempts = job.Retry.MaxAttempts
		delay = time.Duration(job.Retry.DelayMS) * time.Millisecond
		onExitCodes = job.Retry.OnExitCodes
	}

	var execErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client := e.clientFor(job)
		onOutput := func(chunk agent.OutputChunk) {
			e.publishOutput(ctx, job.ID, step.StepID, chunk)
		}

		var resp *agent.ExecuteResponse
		resp, execErr = client.Execute(stepCtx, agent.ExecuteRequest{
			Command:   step.Command,
			Env:       step.Env,
			TimeoutMS: step.TimeoutMS,
			Stream:    true,
		}, onOutput)

		if execErr != nil {
			break
		}
		hasExit = true
		exitCode = resp.ExitCode
		if exitCode == 0 || attempt == maxAttempts || !retryableExitCode(exitCode, onExitCodes) {
			break
		}
		logging.ForJob(job.RunID, job.ID).Warn("step exited non-zero, retrying",
			"step", step.Name, "attempt", attempt, "exitCode", exitCode)
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	switch {
	case execErr != nil:
		_ = e.cfg.Store.UpdateStepStatus(ctx, step.StepID, domain.StatusFailure, nil)
		observability.SetSpanError(span, execErr)
		return 0, false, true
	case exitCode != 0:
		_ = e.cfg.Store.UpdateStepStatus(ctx, step.StepID, domain.StatusFailure, &exitCode)
		observability.SetSpanError(span, fmt.Errorf("step exited %d", exitCode))
		return exitCode, true, true
	default:
		_ = e.cfg.Store.UpdateStepStatus(ctx, step.StepID, domain.StatusSuccess, &exitCode)
		observability.SetSpanOK(span)
		return exitCode, true, false
	}
}

// retryableExitCode reports whether code should trigger another
// attempt: any non-zero code when onExitCodes is empty, otherwise
// only a code present in onExitCodes.
func retryableExitCode(code int, onExitCodes []int) bool {
	if len(onExitCodes) == 0 {
		return true
	}
	for _, c := range onExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// clientFor returns an agent client dialing the job's VM. Steps within
// a job dial fresh per request already (agent.Client never holds a
// connection open), so constructing one per call here is cheap and
// keeps runSteps free of shared mutable transport state.
func (e *Executor) clientFor(job Job) *agent.Client {
	return e.cfg.NewAgentClient()
}

func (e *Executor) publishOutput(ctx context.Context, jobID, stepID string, chunk agent.OutputChunk) {
	stream := domain.StreamStdout
	if chunk.Stream == "stderr" {
		stream = domain.StreamStderr
	}
	seq, err := e.cfg.Store.AppendLog(ctx, jobID, stepID, stream, []byte(chunk.Data))
	if err != nil {
		return
	}
	e.cfg.LogBus.Publish(domain.LogChunk{
		Sequence: seq, JobID: jobID, StepID: stepID, Stream: stream,
		Content: []byte(chunk.Data), Timestamp: time.Now().UTC(),
	})
}
