package agent

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Transport dials a fresh connection to the guest agent for a single
// request. Requests are not multiplexed over a held-open connection: the
// client dials, sends one envelope, reads one response, and closes.
type Transport interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// VsockTransport dials the guest over a real AF_VSOCK socket.
type VsockTransport struct {
	ContextID uint32
	Port      uint32
}

// Dial implements Transport.
func (t VsockTransport) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := vsock.Dial(t.ContextID, t.Port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial cid=%d port=%d: %w", t.ContextID, t.Port, err)
	}
	return conn, nil
}

// UnixTransport dials a Unix-domain socket standing in for vsock on
// hosts without AF_VSOCK support (local development, CI-on-CI, tests).
// It speaks the same CONNECT handshake a firecracker vsock UDS would:
// the host writes "CONNECT <port>\n" and expects an "OK <port>\n" reply
// before the framed protocol begins.
type UnixTransport struct {
	SockPath string
	Port     uint32
}

// Dial implements Transport.
func (t UnixTransport) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", t.SockPath)
	if err != nil {
		return nil, fmt.Errorf("unix dial %s: %w", t.SockPath, err)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", t.Port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connect handshake: %w", err)
	}
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect handshake reply: %w", err)
	}
	if n < 2 || string(buf[:2]) != "OK" {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply: %q", buf[:n])
	}
	return conn, nil
}
