package dnsnat

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/riftgate/internal/identity"
)

var testProxyIPs = []netip.Addr{
	netip.MustParseAddr("127.0.0.1"),
	netip.MustParseAddr("127.0.0.2"),
}

func TestNoRecreateForFailedResponse(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected an AssignedIPs announcement on first Update")
	}

	c.OnDomainStatus(DomainStatus{Gateway: gw, Domain: "example.com", Status: NatStatusInactive})

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); ok {
		t.Fatal("Update on a Failed entry should not re-announce")
	}
}

func TestRecreateFailedNatBuffersPackets(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	c.OnDomainStatus(DomainStatus{Gateway: gw, Domain: "example.com", Status: NatStatusInactive})

	c.Recreate("example.com")

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected a re-announcement after Recreate")
	}

	_, ok := c.HandleOutgoing(gw, "example.com", []byte("payload"), now)
	if ok {
		t.Fatal("expected packets to be buffered while recovering from Failed")
	}
}

func TestBufferPacketsUntilNatIsActive(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)

	packet := []byte("payload")
	out, ok := c.HandleOutgoing(gw, "example.com", packet, now)
	if ok || out != nil {
		t.Fatalf("expected packet to be buffered, got out=%v ok=%v", out, ok)
	}

	drained := c.OnDomainStatus(DomainStatus{Gateway: gw, Domain: "example.com", Status: NatStatusActive})
	if len(drained) != 1 || string(drained[0]) != "payload" {
		t.Fatalf("drained = %v, want [payload]", drained)
	}
}

func TestDontBufferPacketsUponRecreateFromConfirmed(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	c.OnDomainStatus(DomainStatus{Gateway: gw, Domain: "example.com", Status: NatStatusActive})

	c.Recreate("example.com")
	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)

	packet := []byte("payload")
	out, ok := c.HandleOutgoing(gw, "example.com", packet, now)
	if !ok || string(out) != "payload" {
		t.Fatalf("expected pass-through while recreating from Confirmed, got out=%v ok=%v", out, ok)
	}
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected a re-announcement after Recreate from Confirmed")
	}
}

func TestResendAnnouncementAfterTwoSeconds(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected initial announcement")
	}

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); ok {
		t.Fatal("should not re-announce before 2s elapse")
	}

	now = now.Add(2 * time.Second)
	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected re-announcement after 2s")
	}
}

func TestResendAnnouncementOnOutgoingPacketAfterTwoSeconds(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gw, rid, "example.com", testProxyIPs, nil, now)
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected initial announcement")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.HandleOutgoing(gw, "example.com", []byte("payload"), now); ok {
		t.Fatal("still pending, packet should be buffered")
	}
	if _, ok := c.PollAssignedIPs(); !ok {
		t.Fatal("expected a re-announcement triggered by an outgoing packet after 2s")
	}
}

func TestHandleOutgoingWithNoEntryPassesThrough(t *testing.T) {
	t.Parallel()

	c := New()
	gw := identity.NewPeerID()
	packet := []byte("payload")

	out, ok := c.HandleOutgoing(gw, "unknown.example.com", packet, time.Now())
	if !ok || string(out) != "payload" {
		t.Fatalf("expected pass-through for unknown entry, got out=%v ok=%v", out, ok)
	}
}

func TestClearByGatewayAndDomain(t *testing.T) {
	t.Parallel()

	c := New()
	gwA := identity.NewPeerID()
	gwB := identity.NewPeerID()
	rid := identity.ResourceID(identity.NewPeerID())
	now := time.Now()

	c.Update(gwA, rid, "a.example.com", testProxyIPs, nil, now)
	c.Update(gwB, rid, "a.example.com", testProxyIPs, nil, now)
	c.Update(gwA, rid, "b.example.com", testProxyIPs, nil, now)

	c.ClearByGateway(gwA)
	if _, found := c.entries[entryKey{gwA, "a.example.com"}]; found {
		t.Fatal("ClearByGateway should have removed gwA's entries")
	}
	if _, found := c.entries[entryKey{gwB, "a.example.com"}]; !found {
		t.Fatal("ClearByGateway should not touch gwB's entries")
	}

	c.ClearByDomain("a.example.com")
	if _, found := c.entries[entryKey{gwB, "a.example.com"}]; found {
		t.Fatal("ClearByDomain should have removed every gateway's entry for that domain")
	}
}

func TestUniquePacketBufferDropsDuplicatesAndOldest(t *testing.T) {
	t.Parallel()

	buf := newPacketBuffer(2) // capacity 4
	buf.push([]byte("a"))
	buf.push([]byte("a"))
	if buf.len() != 1 {
		t.Fatalf("duplicate push should be a no-op, len = %d", buf.len())
	}

	buf.push([]byte("b"))
	buf.push([]byte("c"))
	buf.push([]byte("d"))
	if buf.len() != 4 {
		t.Fatalf("len = %d, want 4", buf.len())
	}

	buf.push([]byte("e"))
	drained := buf.drain()
	if len(drained) != 4 {
		t.Fatalf("len(drained) = %d, want 4 (oldest dropped)", len(drained))
	}
	if string(drained[0]) != "b" {
		t.Fatalf("drained[0] = %q, want %q (oldest-surviving)", drained[0], "b")
	}
}
