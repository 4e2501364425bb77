package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/flowforge/runner/internal/cierr"
)

// Client speaks the microVM configuration API as JSON over a Unix-domain
// socket. Every Put/Patch/Get method is a typed wrapper around one
// resource of that API; none of the rest of the system constructs raw
// HTTP requests against the hypervisor.
type Client struct {
	http *http.Client
}

// NewClient dials no socket up front; it returns a client whose
// transport connects to sockPath lazily on first request.
func NewClient(sockPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", sockPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", cierr.ErrHypervisorAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		fault, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", cierr.ErrHypervisorAPI, resp.StatusCode, string(fault))
	}
	return nil
}

// Ready performs the readiness GET / the VM manager polls after socket creation.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", nil)
}

// PutBootSource sets the guest kernel image and boot arguments.
func (c *Client) PutBootSource(ctx context.Context, b BootSource) error {
	return c.do(ctx, http.MethodPut, "/boot-source", b)
}

// PutMachineConfig sets vCPU/memory sizing.
func (c *Client) PutMachineConfig(ctx context.Context, m MachineConfig) error {
	return c.do(ctx, http.MethodPut, "/machine-config", m)
}

// PutDrive attaches or updates one block device.
func (c *Client) PutDrive(ctx context.Context, d Drive) error {
	return c.do(ctx, http.MethodPut, "/drives/"+d.DriveID, d)
}

// PutNetworkInterface attaches or updates one NIC.
func (c *Client) PutNetworkInterface(ctx context.Context, n NetworkInterface) error {
	return c.do(ctx, http.MethodPut, "/network-interfaces/"+n.IfaceID, n)
}

// PutVsock configures the guest's vsock device.
func (c *Client) PutVsock(ctx context.Context, v Vsock) error {
	return c.do(ctx, http.MethodPut, "/vsock", v)
}

// PutLogger configures the hypervisor's log sink.
func (c *Client) PutLogger(ctx context.Context, l Logger) error {
	return c.do(ctx, http.MethodPut, "/logger", l)
}

// PutMetrics configures the hypervisor's metrics sink.
func (c *Client) PutMetrics(ctx context.Context, m Metrics) error {
	return c.do(ctx, http.MethodPut, "/metrics", m)
}

// PutMmds configures the metadata service.
func (c *Client) PutMmds(ctx context.Context, m Mmds) error {
	return c.do(ctx, http.MethodPut, "/mmds/config", m)
}

// PutBalloon configures the memory balloon device.
func (c *Client) PutBalloon(ctx context.Context, b Balloon) error {
	return c.do(ctx, http.MethodPut, "/balloon", b)
}

// InstanceStart transitions the VM from configuring to running.
func (c *Client) InstanceStart(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", map[string]string{"action_type": "InstanceStart"})
}

// SendCtrlAltDel requests a graceful guest shutdown.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
}

// FlushMetrics forces an immediate metrics flush.
func (c *Client) FlushMetrics(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", map[string]string{"action_type": "FlushMetrics"})
}

// CreateSnapshot creates a full VM snapshot at the given paths.
func (c *Client) CreateSnapshot(ctx context.Context, memPath, snapshotPath string) error {
	return c.do(ctx, http.MethodPut, "/snapshot/create", map[string]string{
		"mem_file_path":   memPath,
		"snapshot_path":   snapshotPath,
		"snapshot_type":   "Full",
	})
}

// LoadSnapshot resumes a VM from a prior snapshot.
func (c *Client) LoadSnapshot(ctx context.Context, memPath, snapshotPath string) error {
	return c.do(ctx, http.MethodPut, "/snapshot/load", map[string]string{
		"mem_file_path": memPath,
		"snapshot_path": snapshotPath,
	})
}

// Pause pauses the vCPUs.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", map[string]string{"state": "Paused"})
}

// Resume resumes the vCPUs.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", map[string]string{"state": "Resumed"})
}
