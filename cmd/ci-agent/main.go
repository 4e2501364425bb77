// Command ci-agent is the supervisor baked into the guest rootfs image.
// It listens on the well-known AF_VSOCK port the host executor dials
// (internal/agent.VsockTransport{ContextID: 3, Port: 1024}) and serves
// the host<->guest protocol until the VM is torn down.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/flowforge/runner/internal/agent/guest"
)

const defaultAgentPort = 1024

func main() {
	port := uint32(defaultAgentPort)
	if v := os.Getenv("CI_AGENT_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			port = uint32(n)
		}
	}

	l, err := listen(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ci-agent: listen: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := guest.New(l)
	if err := a.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ci-agent: serve: %v\n", err)
		os.Exit(1)
	}
}

// listen binds the real AF_VSOCK socket the guest kernel exposes. A
// CI_AGENT_UNIX_SOCK override lets the binary run outside a microVM
// (local development, integration tests that spawn the agent as a
// plain process instead of inside Firecracker).
func listen(port uint32) (net.Listener, error) {
	if path := os.Getenv("CI_AGENT_UNIX_SOCK"); path != "" {
		os.Remove(path)
		return net.Listen("unix", path)
	}
	return vsock.Listen(port, nil)
}
