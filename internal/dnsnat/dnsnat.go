// Package dnsnat coordinates the client side of DNS-resource NAT setup: a
// synthesized proxy address only routes to its real resource once the
// gateway has been told which domain and real IPs it maps to, and this
// package tracks that per-gateway, per-domain handshake and buffers packets
// until it completes.
package dnsnat

import (
	"net/netip"
	"time"

	"github.com/kuuji/riftgate/internal/identity"
)

// reenqueueInterval is how often a still-pending entry resends its
// assigned-IPs announcement to the gateway, in case the first one was lost.
const reenqueueInterval = 2 * time.Second

// initialBufferShift sizes the packet buffer a fresh or recreated entry
// starts with: 2^5 = 32 packets.
const initialBufferShift = 5

// NatStatus is the gateway's report of whether it finished wiring the NAT
// for a given domain.
type NatStatus int

const (
	NatStatusInactive NatStatus = iota
	NatStatusActive
)

// DomainStatus is what the gateway reports back after an AssignedIPs
// announcement.
type DomainStatus struct {
	Gateway  identity.PeerID
	Domain   string
	Resource identity.ResourceID
	Status   NatStatus
}

// AssignedIPs is the announcement sent to a gateway telling it which real
// addresses a resource's domain currently resolves to, so it can wire up a
// NAT from the client's synthesized proxy address to one of them.
type AssignedIPs struct {
	Gateway  identity.PeerID
	Resource identity.ResourceID
	Domain   string
	ProxyIPs []netip.Addr
}

type stateKind int

const (
	statePending stateKind = iota
	stateRecreating
	stateConfirmed
	stateFailed
)

type natState struct {
	kind         stateKind
	sentAt       time.Time
	buffered     *packetBuffer
	shouldBuffer bool
}

type entryKey struct {
	gateway identity.PeerID
	domain  string
}

type entry struct {
	state    natState
	domain   string
	resource identity.ResourceID
	proxyIPs []netip.Addr
}

// Coordinator tracks DNS-resource NAT setup state across every (gateway,
// domain) pair the client has resolved a proxy address for.
type Coordinator struct {
	entries  map[entryKey]*entry
	outbound []AssignedIPs
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{entries: make(map[entryKey]*entry)}
}

// Update records that a domain resolved to proxyIPs on behalf of resource,
// reachable via gateway, along with any packets destined for the domain
// already queued waiting for that resolution.
func (c *Coordinator) Update(gateway identity.PeerID, resource identity.ResourceID, domain string, proxyIPs []netip.Addr, queuedPackets [][]byte, now time.Time) {
	key := entryKey{gateway, domain}
	e, ok := c.entries[key]
	if !ok {
		buf := newPacketBuffer(initialBufferShift)
		buf.extend(queuedPackets)
		e = &entry{
			state: natState{
				kind:         statePending,
				sentAt:       now,
				buffered:     buf,
				shouldBuffer: true,
			},
			domain:   domain,
			resource: resource,
			proxyIPs: proxyIPs,
		}
		c.entries[key] = e
		c.enqueueAssignedIPs(gateway, resource, domain, proxyIPs)
		return
	}

	e.proxyIPs = proxyIPs

	switch e.state.kind {
	case stateFailed, stateConfirmed:
		// Nothing in flight; a fresh resolution doesn't reopen the NAT on
		// its own. Recreate does that explicitly.
	case stateRecreating:
		buf := newPacketBuffer(initialBufferShift)
		buf.extend(queuedPackets)
		e.state = natState{
			kind:         statePending,
			sentAt:       now,
			buffered:     buf,
			shouldBuffer: e.state.shouldBuffer,
		}
		c.enqueueAssignedIPs(gateway, resource, domain, proxyIPs)
	case statePending:
		e.state.buffered.extend(queuedPackets)
		if now.Sub(e.state.sentAt) >= reenqueueInterval {
			e.state.sentAt = now
			c.enqueueAssignedIPs(gateway, resource, domain, proxyIPs)
		}
	}
}

// Recreate forces every gateway's NAT entry for domain back into the
// Recreating state, prompting a fresh AssignedIPs announcement next time
// Update is called for it. Called whenever the client re-resolves the
// domain locally, so a changed set of upstream IPs propagates to every
// gateway serving it without waiting for a new connection attempt.
func (c *Coordinator) Recreate(domain string) {
	for _, e := range c.entries {
		if e.domain != domain {
			continue
		}
		switch e.state.kind {
		case statePending, stateRecreating:
			continue
		case stateConfirmed:
			e.state = natState{kind: stateRecreating, shouldBuffer: false}
		case stateFailed:
			e.state = natState{kind: stateRecreating, shouldBuffer: true}
		}
	}
}

// HandleOutgoing decides what to do with a packet addressed to a DNS
// resource's proxy IP: pass it through once the NAT is set up (or known to
// have failed, since there's nothing better to do), or buffer it while
// setup is pending. ok is false when the packet was buffered rather than
// returned.
func (c *Coordinator) HandleOutgoing(gateway identity.PeerID, domain string, packet []byte, now time.Time) (out []byte, ok bool) {
	e, found := c.entries[entryKey{gateway, domain}]
	if !found {
		return packet, true
	}

	switch e.state.kind {
	case statePending:
		if now.Sub(e.state.sentAt) >= reenqueueInterval {
			e.state.sentAt = now
			c.enqueueAssignedIPs(gateway, e.resource, domain, e.proxyIPs)
		}
		if e.state.shouldBuffer {
			e.state.buffered.push(packet)
			return nil, false
		}
		return packet, true
	default: // Recreating, Confirmed, Failed
		return packet, true
	}
}

// OnDomainStatus applies a gateway's report of whether it finished wiring
// the NAT. On success it confirms the entry and returns every packet that
// had been buffered waiting for this moment, in the order they arrived. On
// failure it marks the entry Failed so future packets pass through instead
// of buffering forever.
func (c *Coordinator) OnDomainStatus(status DomainStatus) [][]byte {
	e, ok := c.entries[entryKey{status.Gateway, status.Domain}]
	if !ok {
		return nil
	}

	if status.Status != NatStatusActive {
		e.state = natState{kind: stateFailed}
		return nil
	}

	var drained [][]byte
	if e.state.kind == statePending && e.state.buffered != nil {
		drained = e.state.buffered.drain()
	}
	e.state = natState{kind: stateConfirmed}
	return drained
}

// ClearByGateway drops every entry reachable through gateway, e.g. when its
// connection is torn down.
func (c *Coordinator) ClearByGateway(gateway identity.PeerID) {
	for k := range c.entries {
		if k.gateway == gateway {
			delete(c.entries, k)
		}
	}
}

// ClearByDomain drops every entry for domain across every gateway, e.g.
// when the resource it belongs to is withdrawn.
func (c *Coordinator) ClearByDomain(domain string) {
	for k := range c.entries {
		if k.domain == domain {
			delete(c.entries, k)
		}
	}
}

// Clear drops all NAT state, e.g. on a full tunnel reset.
func (c *Coordinator) Clear() {
	c.entries = make(map[entryKey]*entry)
}

// PollAssignedIPs returns the next queued AssignedIPs announcement to send
// to a gateway, if any.
func (c *Coordinator) PollAssignedIPs() (AssignedIPs, bool) {
	if len(c.outbound) == 0 {
		return AssignedIPs{}, false
	}
	next := c.outbound[0]
	c.outbound = c.outbound[1:]
	return next, true
}

func (c *Coordinator) enqueueAssignedIPs(gateway identity.PeerID, resource identity.ResourceID, domain string, proxyIPs []netip.Addr) {
	c.outbound = append(c.outbound, AssignedIPs{
		Gateway:  gateway,
		Resource: resource,
		Domain:   domain,
		ProxyIPs: proxyIPs,
	})
}
