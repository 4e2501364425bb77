// Package network implements the per-VM network allocator (C2): a slot
// allocator over a configurable base subnet, host virtual interface
// creation, and NAT rule install/teardown. Slot k maps deterministically
// to a /30: host IP = base + (k<<2) + 1, guest IP = base + (k<<2) + 2.
package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/flowforge/runner/internal/cierr"
)

// resourcePool is a generic free-list/stack allocator: acquire pops a
// free slot (or allocates the next integer if the free list is empty up
// to capacity), release pushes it back. Safe for concurrent use.
type resourcePool[T comparable] struct {
	mu       sync.Mutex
	free     []T
	next     func(n int) T
	size     int
	inUse    map[T]struct{}
	capacity int
}

func newResourcePool[T comparable](capacity int, next func(n int) T) *resourcePool[T] {
	return &resourcePool[T]{
		next:     next,
		capacity: capacity,
		inUse:    make(map[T]struct{}),
	}
}

func (p *resourcePool[T]) acquire() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse[v] = struct{}{}
		return v, true
	}
	if p.size >= p.capacity {
		return zero, false
	}
	v := p.next(p.size)
	p.size++
	p.inUse[v] = struct{}{}
	return v, true
}

func (p *resourcePool[T]) release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[v]; !ok {
		return // idempotent: releasing an unheld slot is a silent no-op
	}
	delete(p.inUse, v)
	p.free = append(p.free, v)
}

func (p *resourcePool[T]) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Config configures the allocator against a base /16-ish subnet.
type Config struct {
	BaseSubnet    string // CIDR, e.g. "10.200.0.0/16"
	ExternalIface string
	EnableNAT     bool
	MaxSlots      int
}

// Allocation is the NetworkConfig handed back by Allocate.
type Allocation struct {
	Slot      int
	HostIface string
	HostIP    net.IP
	GuestIP   net.IP
	GuestMAC  net.HardwareAddr
	Gateway   net.IP
	DNS       net.IP
}

// Allocator owns the slot pool for one host.
type Allocator struct {
	cfg     Config
	baseIP  uint32
	slots   *resourcePool[int]
	runCmd  func(ctx context.Context, name string, args ...string) error
}

// New constructs an Allocator for the given config.
func New(cfg Config) (*Allocator, error) {
	_, ipnet, err := net.ParseCIDR(cfg.BaseSubnet)
	if err != nil {
		return nil, fmt.Errorf("parse base subnet: %w", err)
	}
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 4096
	}
	return &Allocator{
		cfg:    cfg,
		baseIP: ipToUint32(ipnet.IP),
		slots:  newResourcePool[int](cfg.MaxSlots, func(n int) int { return n }),
		runCmd: runHostCommand,
	}, nil
}

// Allocate reserves a slot and wires its host side: creates a TAP/bridge
// device-equivalent host interface, brings it up, assigns the host IP/30,
// and (if NAT is enabled) installs masquerade + forward rules and enables
// IP forwarding.
func (a *Allocator) Allocate(ctx context.Context, vmID string) (*Allocation, error) {
	slot, ok := a.slots.acquire()
	if !ok {
		return nil, fmt.Errorf("%w: network slot pool exhausted", cierr.ErrNetworkSetupFailed)
	}

	hostIP := uint32ToIP(a.baseIP + uint32(slot<<2) + 1)
	guestIP := uint32ToIP(a.baseIP + uint32(slot<<2) + 2)
	iface := fmt.Sprintf("ci-tap%d", slot)
	mac, err := generateMAC()
	if err != nil {
		a.slots.release(slot)
		return nil, fmt.Errorf("%w: generate mac: %v", cierr.ErrNetworkSetupFailed, err)
	}

	if err := a.createTAP(ctx, iface, hostIP); err != nil {
		a.slots.release(slot)
		return nil, fmt.Errorf("%w: %v", cierr.ErrNetworkSetupFailed, err)
	}

	if a.cfg.EnableNAT {
		if err := a.installNAT(ctx, iface); err != nil {
			a.deleteTAP(ctx, iface)
			a.slots.release(slot)
			return nil, fmt.Errorf("%w: %v", cierr.ErrNetworkSetupFailed, err)
		}
	}

	return &Allocation{
		Slot:      slot,
		HostIface: iface,
		HostIP:    hostIP,
		GuestIP:   guestIP,
		GuestMAC:  mac,
		Gateway:   hostIP,
		DNS:       net.ParseIP("1.1.1.1"),
	}, nil
}

// Release tears down NAT rules and the host interface and frees the
// slot. Idempotent against already-missing kernel state: teardown errors
// are ignored and never prevent the slot from being freed.
func (a *Allocator) Release(ctx context.Context, alloc *Allocation) {
	if a.cfg.EnableNAT {
		_ = a.removeNAT(ctx, alloc.HostIface)
	}
	_ = a.deleteTAP(ctx, alloc.HostIface)
	a.slots.release(alloc.Slot)
}

// InUseSlots reports how many slots are currently allocated, for metrics.
func (a *Allocator) InUseSlots() int { return a.slots.inUseCount() }

func (a *Allocator) createTAP(ctx context.Context, iface string, hostIP net.IP) error {
	if err := a.runCmd(ctx, "ip", "tuntap", "add", "dev", iface, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap %s: %w", iface, err)
	}
	if err := a.runCmd(ctx, "ip", "addr", "add", hostIP.String()+"/30", "dev", iface); err != nil {
		return fmt.Errorf("assign addr on %s: %w", iface, err)
	}
	if err := a.runCmd(ctx, "ip", "link", "set", iface, "up"); err != nil {
		return fmt.Errorf("bring up %s: %w", iface, err)
	}
	return nil
}

func (a *Allocator) deleteTAP(ctx context.Context, iface string) error {
	return a.runCmd(ctx, "ip", "link", "delete", iface)
}

func (a *Allocator) installNAT(ctx context.Context, iface string) error {
	if err := a.runCmd(ctx, "sh", "-c", "echo 1 > /proc/sys/net/ipv4/ip_forward"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	if err := a.runCmd(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-o", a.cfg.ExternalIface, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("install masquerade: %w", err)
	}
	if err := a.runCmd(ctx, "iptables", "-A", "FORWARD", "-i", iface, "-o", a.cfg.ExternalIface, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("install forward accept: %w", err)
	}
	return nil
}

func (a *Allocator) removeNAT(ctx context.Context, iface string) error {
	_ = a.runCmd(ctx, "iptables", "-D", "FORWARD", "-i", iface, "-o", a.cfg.ExternalIface, "-j", "ACCEPT")
	_ = a.runCmd(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING", "-o", a.cfg.ExternalIface, "-j", "MASQUERADE")
	return nil
}

func runHostCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// generateMAC returns a random locally-administered, unicast MAC address.
func generateMAC() (net.HardwareAddr, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	buf[0] = (buf[0] | 0x02) & 0xfe // set locally-administered bit, clear multicast bit
	return net.HardwareAddr(buf), nil
}
