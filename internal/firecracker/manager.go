package firecracker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/metrics"
)

// Opts configures VM creation.
type Opts struct {
	BinaryPath   string
	RuntimeDir   string
	VMID         string
	Config       VMConfig
	SocketPollInterval time.Duration
	SocketPollTimeout  time.Duration
	APIReadyTimeout    time.Duration
}

// instance tracks one live hypervisor process alongside its public handle.
type instance struct {
	domain.VMInstance
	cmd          *exec.Cmd
	client       *Client
	exited       chan struct{}
	exitErr      error
	expectedExit atomic.Bool // set before Stop/Destroy kill the process, so monitorProcess can tell a crash from a clean shutdown
}

// Manager owns the set of live VMs on this host: spawning the hypervisor
// process, applying configuration, starting/stopping, and cleaning up
// sockets.
type Manager struct {
	mu  sync.Mutex
	vms map[string]*instance
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{vms: make(map[string]*instance)}
}

// Create spawns the hypervisor process, waits for its control socket and
// readiness, then applies the full VmConfig in the mandated order:
// boot source -> machine config -> drives -> NICs -> vsock -> logger ->
// metrics -> MMDS -> balloon. Returns the instance in state "configuring".
func (m *Manager) Create(ctx context.Context, opts Opts) (retInst *domain.VMInstance, retErr error) {
	bootStart := time.Now()
	defer func() {
		metrics.Global().RecordVMBoot(time.Since(bootStart).Milliseconds(), retErr == nil)
	}()

	if err := os.MkdirAll(opts.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: runtime dir: %v", cierr.ErrHypervisorStartFailed, err)
	}
	sockPath := filepath.Join(opts.RuntimeDir, opts.VMID+".sock")
	logPath := filepath.Join(opts.RuntimeDir, opts.VMID+".log")
	_ = os.Remove(sockPath) // delete any stale socket from a prior crash

	cmd := exec.CommandContext(ctx, opts.BinaryPath, "--api-sock", sockPath, "--level", "Info", "--log-path", logPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn: %v", cierr.ErrHypervisorStartFailed, err)
	}

	inst := &instance{
		VMInstance: domain.VMInstance{
			ID:          opts.VMID,
			APISockPath: sockPath,
			State:       domain.VMConfiguring,
		},
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go m.monitorProcess(inst)

	pollInterval := opts.SocketPollInterval
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	socketTimeout := opts.SocketPollTimeout
	if socketTimeout <= 0 {
		socketTimeout = 5 * time.Second
	}
	if err := waitForFile(ctx, sockPath, pollInterval, socketTimeout); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: socket never appeared: %v", cierr.ErrHypervisorStartFailed, err)
	}

	inst.client = NewClient(sockPath)
	apiTimeout := opts.APIReadyTimeout
	if apiTimeout <= 0 {
		apiTimeout = 5 * time.Second
	}
	if err := waitForReady(ctx, inst.client, pollInterval, apiTimeout); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: api never became ready: %v", cierr.ErrHypervisorStartFailed, err)
	}

	if err := m.configure(ctx, inst.client, opts.Config); err != nil {
		inst.State = domain.VMError
		inst.expectedExit.Store(true)
		if inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
		<-inst.exited
		_ = os.Remove(sockPath)
		return nil, err
	}

	m.mu.Lock()
	m.vms[opts.VMID] = inst
	m.mu.Unlock()

	logging.Op().Info("vm configured", "vm_id", opts.VMID, "sock", sockPath)
	return &inst.VMInstance, nil
}

func (m *Manager) configure(ctx context.Context, c *Client, cfg VMConfig) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"boot-source", func() error { return c.PutBootSource(ctx, cfg.BootSource) }},
		{"machine-config", func() error { return c.PutMachineConfig(ctx, cfg.Machine) }},
	}
	for _, d := range cfg.Drives {
		d := d
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"drive:" + d.DriveID, func() error { return c.PutDrive(ctx, d) }})
	}
	for _, n := range cfg.Interfaces {
		n := n
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"nic:" + n.IfaceID, func() error { return c.PutNetworkInterface(ctx, n) }})
	}
	if cfg.Vsock != nil {
		v := *cfg.Vsock
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"vsock", func() error { return c.PutVsock(ctx, v) }})
	}
	if cfg.Logger != nil {
		l := *cfg.Logger
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"logger", func() error { return c.PutLogger(ctx, l) }})
	}
	if cfg.Metrics != nil {
		me := *cfg.Metrics
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"metrics", func() error { return c.PutMetrics(ctx, me) }})
	}
	if cfg.Mmds != nil {
		mm := *cfg.Mmds
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"mmds", func() error { return c.PutMmds(ctx, mm) }})
	}
	if cfg.Balloon != nil {
		b := *cfg.Balloon
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"balloon", func() error { return c.PutBalloon(ctx, b) }})
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("apply %s: %w", step.name, err)
		}
	}
	return nil
}

// Start transitions a VM from "configuring" to "running". Rejects if the
// VM is not currently configuring.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	if inst.State != domain.VMConfiguring {
		return fmt.Errorf("vm %s: start called in state %s, want configuring", id, inst.State)
	}
	select {
	case <-inst.exited:
		return fmt.Errorf("%w: process exited before start: %v", cierr.ErrHypervisorStartFailed, inst.exitErr)
	default:
	}
	if err := inst.client.InstanceStart(ctx); err != nil {
		return err
	}
	inst.State = domain.VMRunning
	return nil
}

// Stop sends a graceful shutdown request and waits up to timeout for the
// process to exit, sending SIGKILL on expiry. Idempotent if already stopped.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	if inst.State == domain.VMStopped {
		return nil
	}

	inst.expectedExit.Store(true)
	_ = inst.client.SendCtrlAltDel(ctx)

	select {
	case <-inst.exited:
	case <-time.After(timeout):
		_ = inst.cmd.Process.Kill()
		<-inst.exited
	}
	inst.State = domain.VMStopped
	return nil
}

// Destroy stops the VM if running, force-kills if still alive, deletes
// its socket, and unregisters it. Idempotent.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.vms[id]
	if ok {
		delete(m.vms, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	inst.expectedExit.Store(true)
	select {
	case <-inst.exited:
	default:
		if inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
		<-inst.exited
	}
	_ = os.Remove(inst.APISockPath)
	inst.State = domain.VMStopped
	return nil
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.vms[id]
	if !ok {
		return nil, cierr.ErrNotFound
	}
	return inst, nil
}

func (m *Manager) monitorProcess(inst *instance) {
	err := inst.cmd.Wait()
	inst.exitErr = err
	close(inst.exited)
	if !inst.expectedExit.Load() {
		logging.Op().Warn("hypervisor process exited unexpectedly", "vm_id", inst.ID, "error", err)
		metrics.Global().RecordVMCrashed()
	}
}

func waitForFile(ctx context.Context, path string, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func waitForReady(ctx context.Context, c *Client, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.Ready(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for api readiness")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
