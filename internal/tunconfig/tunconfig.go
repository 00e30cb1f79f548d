// Package tunconfig defines the thin collaborator interfaces the tunnel
// core is injected with instead of owning itself: the TUN device (read,
// write, and its IP/route/MTU/DNS configuration) and the UDP/TCP socket
// factory interfaces. The core never creates a kernel device on its own;
// the runtime constructs a concrete Tun (see the platform-specific files in
// this package) and hands it in. Nothing in this module takes a UDPFactory
// or TCPFactory: internal/turnalloc and the pion ICE agent open their own
// sockets.
package tunconfig

import (
	"context"
	"net"
	"net/netip"
)

// Tun is the TUN device surface the tunnel core is injected with. All
// methods may be called from the single cooperative task driving the
// core; PollRead is the only one expected to block, and only until a
// packet is available or the device is closed.
type Tun interface {
	// PollRead reads one packet into buf, returning its length.
	PollRead(buf []byte) (int, error)
	// Write sends one packet out the device.
	Write(packet []byte) (int, error)
	// SetIPs assigns the tunnel's own address on the interface. Either
	// address may be the zero value to leave that family unconfigured.
	SetIPs(v4, v6 netip.Addr) error
	// SetRoutes installs the given destination prefixes as routed through
	// this interface, replacing whatever was previously installed by a
	// prior call.
	SetRoutes(v4Routes, v6Routes []netip.Prefix) error
	// SetMTU sets the interface MTU.
	SetMTU(mtu int) error
	// SetDNS configures the per-interface DNS servers and search domain
	// the OS resolver should use for this interface's traffic.
	SetDNS(servers []netip.Addr, searchDomain string) error
	Close() error
}

// Config is the configuration struct the core pushes to the runtime via
// an EventTunConfigChanged tunnel event, mirroring the portal's interface
// configuration one field at a time.
type Config struct {
	IPv4         netip.Addr
	IPv6         netip.Addr
	V4Routes     []netip.Prefix
	V6Routes     []netip.Prefix
	MTU          int
	DNSServers   []netip.Addr
	SearchDomain string
}

// Apply pushes every field of cfg to tun, in the order a fresh interface
// needs them: addresses, then routes (which depend on the interface
// already having an address in range), then MTU, then DNS.
func Apply(tun Tun, cfg Config) error {
	if err := tun.SetIPs(cfg.IPv4, cfg.IPv6); err != nil {
		return err
	}
	if err := tun.SetRoutes(cfg.V4Routes, cfg.V6Routes); err != nil {
		return err
	}
	if cfg.MTU > 0 {
		if err := tun.SetMTU(cfg.MTU); err != nil {
			return err
		}
	}
	return tun.SetDNS(cfg.DNSServers, cfg.SearchDomain)
}

// UDPFactory creates UDP sockets, an interposition point for a runtime
// (e.g. rebinding on network-path changes or installing a source-IP
// resolver that routes egress packets around the tunnel interface itself).
// No code in this module calls it.
type UDPFactory interface {
	Bind(local netip.AddrPort) (net.PacketConn, error)
}

// TCPFactory creates outbound TCP connections. No code in this module
// calls it.
type TCPFactory interface {
	Connect(ctx context.Context, remote netip.AddrPort) (net.Conn, error)
}
