package core

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/kuuji/riftgate/internal/dnsresolver"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/noisecrypto"
	"github.com/kuuji/riftgate/internal/portal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testDiscard{}, nil))
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	c, _ := New(Config{
		LocalPrivateKey:        priv,
		LocalPublicKey:         identity.PublicKey(priv),
		TURNSharedSecret:       "test-shared-secret",
		TURNCredentialLifetime: time.Minute,
		ProxyPoolV4:            netip.MustParsePrefix("100.96.0.0/16"),
		ProxyPoolV6:            netip.MustParsePrefix("fd00:a:b::/48"),
		SystemResolvers:        []netip.Addr{netip.MustParseAddr("1.1.1.1")},
		Logger:                 discardLogger(),
	})
	t.Cleanup(func() {
		now := time.Now()
		for id := range c.gateways {
			c.removeGateway(id, now, "test cleanup")
		}
	})
	return c
}

func cidrResource(id identity.ResourceID, prefix netip.Prefix) portal.Resource {
	return portal.Resource{Kind: portal.ResourceCIDR, ID: id, Name: "cidr", Prefix: prefix}
}

func dnsResource(id identity.ResourceID, pattern string) portal.Resource {
	return portal.Resource{Kind: portal.ResourceDNS, ID: id, Name: "dns", Pattern: pattern}
}

func TestUpsertAndDeleteResource(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	id := identity.ResourceID(uuid.New())
	c.OnResourceCreatedOrUpdated(&portal.ResourceCreatedOrUpdatedMessage{Resource: dnsResource(id, "svc.internal")})

	if _, ok := c.resources.Get(id); !ok {
		t.Fatalf("resource not stored after upsert")
	}
	if resID, domain, ok := c.domains.Match("svc.internal"); !ok || resID != id || domain != "svc.internal" {
		t.Fatalf("domain index not populated: resID=%v domain=%q ok=%v", resID, domain, ok)
	}

	// Assign a proxy address so deletion has pool state to release.
	addrs, err := c.proxyPool.Assign("svc.internal", dnsresolver.FamilyV4, true, 1)
	if err != nil {
		t.Fatalf("assigning proxy ip: %v", err)
	}

	c.OnResourceDeleted(&portal.ResourceDeletedMessage{ID: id})

	if _, ok := c.resources.Get(id); ok {
		t.Fatalf("resource still present after delete")
	}
	if _, _, ok := c.domains.Match("svc.internal"); ok {
		t.Fatalf("domain index still matches after delete")
	}
	if _, ok := c.proxyPool.Lookup(addrs[0]); ok {
		t.Fatalf("proxy address not released after delete")
	}
}

func TestHandleDNSQueryAnswersMatchingDomain(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	sentinel := netip.MustParseAddr("100.100.100.100")
	c.OnInit(&portal.InitMessage{
		Interface: portal.InterfaceConfig{
			IPv4:       netip.MustParseAddr("100.64.0.1"),
			DNSServers: []netip.Addr{sentinel},
		},
		Resources: []portal.Resource{dnsResource(identity.ResourceID(uuid.New()), "app.internal")},
	})

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("app.internal"), dns.TypeA)
	payload, err := req.Pack()
	if err != nil {
		t.Fatalf("packing query: %v", err)
	}
	clientAddr := netip.MustParseAddr("100.64.0.1")
	pkt := buildUDPPacket(clientAddr, sentinel, 54321, 53, payload)

	c.HandleTunRead(pkt, time.Now())

	out, ok := c.PollTunWrite()
	if !ok {
		t.Fatalf("expected a synthesized dns reply queued for the tun device")
	}
	info, ok := parsePacketInfo(out)
	if !ok {
		t.Fatalf("synthesized reply packet didn't parse")
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(out[info.l4Offset+8:]); err != nil {
		t.Fatalf("unpacking reply: %v", err)
	}
	if len(reply.Answer) != proxyIPsPerDomain {
		t.Fatalf("expected the fixed %d-address proxy-ip set, got %d answers", proxyIPsPerDomain, len(reply.Answer))
	}
	a, ok := reply.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected an A record, got %T", reply.Answer[0])
	}
	wantAddr, _ := c.proxyPool.Lookup(netip.MustParseAddr(a.A.String()))
	if wantAddr != "app.internal" {
		t.Fatalf("answered address doesn't map back to the queried domain: got domain %q", wantAddr)
	}
}

func TestHandleDNSQueryForwardsNonMatchingDomain(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	sentinel := netip.MustParseAddr("100.100.100.100")
	c.OnInit(&portal.InitMessage{
		Interface: portal.InterfaceConfig{IPv4: netip.MustParseAddr("100.64.0.1"), DNSServers: []netip.Addr{sentinel}},
	})

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	payload, _ := req.Pack()
	pkt := buildUDPPacket(netip.MustParseAddr("100.64.0.1"), sentinel, 54321, 53, payload)

	c.HandleTunRead(pkt, time.Now())

	if _, ok := c.PollTunWrite(); ok {
		t.Fatalf("non-matching query shouldn't be answered locally")
	}
}

func TestRouteOutgoingSkipsDisabledResource(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	resID := identity.ResourceID(uuid.New())
	prefix := netip.MustParsePrefix("10.1.0.0/24")
	c.OnInit(&portal.InitMessage{
		Interface: portal.InterfaceConfig{IPv4: netip.MustParseAddr("100.64.0.1")},
		Resources: []portal.Resource{cidrResource(resID, prefix)},
	})
	c.SetDisabledResources(map[identity.ResourceID]struct{}{resID: {}})

	msg, _ := newFlowCreated(t, resID)
	c.OnFlowCreated(msg)
	advanceHandshake(t, c, msg.GatewayID, time.Now())
	if _, ok := c.PollTransmit(); !ok {
		t.Fatalf("expected handshake initiation")
	}

	pkt := buildUDPPacket(netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("10.1.0.5"), 9001, 9002, []byte("hi"))
	c.HandleTunRead(pkt, time.Now())

	if _, ok := c.PollTransmit(); ok {
		t.Fatalf("disabled resource's traffic should never reach the gateway")
	}
}

// newFlowCreated builds a FlowCreatedMessage authorizing a fresh gateway for
// resourceID, along with the gateway's private key (needed to stand up a
// simulatedGateway that can actually complete the handshake this message
// announces).
func newFlowCreated(t *testing.T, resourceID identity.ResourceID) (*portal.FlowCreatedMessage, identity.Key) {
	t.Helper()
	gwPriv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating gateway key: %v", err)
	}
	var psk identity.Key
	msg := &portal.FlowCreatedMessage{
		ResourceID:            resourceID,
		GatewayID:             identity.NewPeerID(),
		SiteID:                identity.SiteID(uuid.New()),
		GatewayPublicKey:      identity.PublicKey(gwPriv),
		PresharedKey:          psk,
		ClientICECredentials:  portal.ICECredentials{Ufrag: "cufrag", Pwd: "cpwd"},
		GatewayICECredentials: portal.ICECredentials{Ufrag: "gufrag", Pwd: "gpwd"},
	}
	return msg, gwPriv
}

// advanceHandshake drives c's timer loop until it has queued a handshake
// initiation for gatewayID, without ever running a real ICE connectivity
// check (the agent stays unconnected throughout, which HandleGatewayDatagram
// already tolerates).
func advanceHandshake(t *testing.T, c *Core, gatewayID identity.PeerID, now time.Time) {
	t.Helper()
	c.HandleTimeout(now)
	if _, ok := c.gateways[gatewayID]; !ok {
		t.Fatalf("gateway connection not established")
	}
}

func TestGatewayHandshakeAndDataRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	resID := identity.ResourceID(uuid.New())
	prefix := netip.MustParsePrefix("10.2.0.0/24")
	clientAddr := netip.MustParseAddr("100.64.0.1")
	resourceAddr := netip.MustParseAddr("10.2.0.7")

	c.OnInit(&portal.InitMessage{
		Interface: portal.InterfaceConfig{IPv4: clientAddr},
		Resources: []portal.Resource{cidrResource(resID, prefix)},
	})

	flow, gwPriv := newFlowCreated(t, resID)
	c.OnFlowCreated(flow)

	now := time.Now()
	advanceHandshake(t, c, flow.GatewayID, now)

	tx, ok := c.PollTransmit()
	if !ok {
		t.Fatalf("expected a queued handshake initiation")
	}

	gw := newSimulatedGateway(t, gwPriv)
	respWire := gw.completeHandshake(t, tx.Data, now)
	c.HandleGatewayDatagram(flow.GatewayID, respWire, now)

	// Send a packet destined for the resource; it should come out the other
	// side encrypted and, once decrypted, still addressed to its original
	// destination.
	outPkt := buildUDPPacket(clientAddr, netip.MustParseAddr("10.2.0.99"), 9001, 53421, []byte("ping"))
	// Route by destination within the resource's CIDR, not via the DNS path.
	c.HandleTunRead(outPkt, now)

	tx, ok = c.PollTransmit()
	if !ok {
		t.Fatalf("expected an encrypted data message for the resource packet")
	}

	plaintext := gw.receive(t, tx.Data, resourceAddr, now)
	info, ok := parsePacketInfo(plaintext)
	if !ok || info.dst != netip.MustParseAddr("10.2.0.99") {
		t.Fatalf("gateway decrypted a packet with unexpected destination: %+v", info)
	}

	// Simulate the resource's reply arriving back through the gateway.
	replyPkt := buildUDPPacket(resourceAddr, clientAddr, 53421, 9001, []byte("pong"))
	wire := gw.reply(t, replyPkt, now)
	c.HandleGatewayDatagram(flow.GatewayID, wire, now)

	got, ok := c.PollTunWrite()
	if !ok {
		t.Fatalf("expected the gateway's reply to be queued for the tun device")
	}
	gotInfo, ok := parsePacketInfo(got)
	if !ok || gotInfo.src != resourceAddr || gotInfo.dst != clientAddr {
		t.Fatalf("reply packet handed to tun has unexpected addressing: %+v", gotInfo)
	}
}

func TestDNSResourceNATBuffersUntilConfirmed(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	resID := identity.ResourceID(uuid.New())
	clientAddr := netip.MustParseAddr("100.64.0.1")
	c.OnInit(&portal.InitMessage{
		Interface: portal.InterfaceConfig{IPv4: clientAddr, DNSServers: []netip.Addr{netip.MustParseAddr("100.100.100.100")}},
		Resources: []portal.Resource{dnsResource(resID, "db.internal")},
	})

	flow, gwPriv := newFlowCreated(t, resID)
	c.OnFlowCreated(flow)
	now := time.Now()
	advanceHandshake(t, c, flow.GatewayID, now)

	tx, ok := c.PollTransmit()
	if !ok {
		t.Fatalf("expected handshake initiation")
	}
	gw := newSimulatedGateway(t, gwPriv)
	resp := gw.completeHandshake(t, tx.Data, now)
	c.HandleGatewayDatagram(flow.GatewayID, resp, now)

	// Resolve the domain so a proxy address gets assigned and announced.
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("db.internal"), dns.TypeA)
	payload, _ := req.Pack()
	dnsPkt := buildUDPPacket(clientAddr, netip.MustParseAddr("100.100.100.100"), 11000, 53, payload)
	c.HandleTunRead(dnsPkt, now)

	if _, ok := c.PollTunWrite(); !ok {
		t.Fatalf("expected a synthesized dns answer")
	}

	// The assigned-ips announcement should have gone out as a control message.
	ann, ok := c.PollTransmit()
	if !ok {
		t.Fatalf("expected an assigned-ips control message for the gateway")
	}
	dm, err := noisecrypto.UnmarshalData(ann.Data)
	if err != nil {
		t.Fatalf("unmarshaling assigned-ips transmit: %v", err)
	}
	pt, err := gw.session.DecryptTransport(dm.Counter, dm.Ciphertext, now)
	if err != nil {
		t.Fatalf("decrypting assigned-ips transmit: %v", err)
	}
	if len(pt) < 2 || pt[0] != controlMessageMarker || pt[1] != controlKindAssignedIPs {
		t.Fatalf("queued transmit wasn't the expected assigned-ips control message")
	}

	// A packet toward the domain's proxy address should buffer, not transmit,
	// until the gateway confirms the NAT is wired up.
	addr, lookupOK := c.dnsResolver.ResourceForAddr(mustLookupAssignedAddr(t, c, "db.internal"))
	if !lookupOK || addr != "db.internal" {
		t.Fatalf("resolver doesn't map the assigned address back to the domain")
	}

	dataPkt := buildUDPPacket(clientAddr, mustLookupAssignedAddr(t, c, "db.internal"), 12000, 5432, []byte("query"))
	c.HandleTunRead(dataPkt, now)
	if _, ok := c.PollTransmit(); ok {
		t.Fatalf("packet toward an unconfirmed dns-nat entry should be buffered, not sent")
	}
}

// mustLookupAssignedAddr returns the proxy address already assigned to
// domain, failing the test if none has been assigned yet.
func mustLookupAssignedAddr(t *testing.T, c *Core, domain string) netip.Addr {
	t.Helper()
	addrs, err := c.proxyPool.Assign(domain, dnsresolver.FamilyV4, true, proxyIPsPerDomain)
	if err != nil {
		t.Fatalf("looking up assigned address for %q: %v", domain, err)
	}
	return addrs[0]
}

func TestControlMessageRoundTrip(t *testing.T) {
	t.Parallel()

	resID := identity.ResourceID(uuid.New())
	gwID := identity.NewPeerID()

	var buf []byte
	buf = append(buf, controlMessageMarker, controlKindDomainStatus)
	buf = append(buf, resID[:]...)
	buf = appendString(buf, "db.internal")
	buf = append(buf, 1) // active

	status, ok := unmarshalDomainStatus(buf)
	if !ok {
		t.Fatalf("failed to unmarshal a well-formed domain status message")
	}
	status.Gateway = gwID
	if status.Domain != "db.internal" || status.Resource != resID {
		t.Fatalf("unexpected decoded domain status: %+v", status)
	}

	if _, ok := unmarshalDomainStatus([]byte{0x45, 0x01}); ok {
		t.Fatalf("a real ip packet's leading byte must never be mistaken for a control message")
	}
}

func TestRouteOutgoingNoMatchingResource(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	c.OnInit(&portal.InitMessage{Interface: portal.InterfaceConfig{IPv4: netip.MustParseAddr("100.64.0.1")}})

	pkt := buildUDPPacket(netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("203.0.113.1"), 9001, 80, []byte("x"))
	c.HandleTunRead(pkt, time.Now())

	if _, ok := c.PollTransmit(); ok {
		t.Fatalf("a packet matching no resource should be dropped, not transmitted")
	}
}

func TestResourceFilterBlocksDisallowedPort(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	resID := identity.ResourceID(uuid.New())
	prefix := netip.MustParsePrefix("10.3.0.0/24")
	r := cidrResource(resID, prefix)
	r.Filters = []portal.Filter{{Protocol: "tcp", PortLow: 443, PortHigh: 443}}
	c.OnInit(&portal.InitMessage{
		Interface: portal.InterfaceConfig{IPv4: netip.MustParseAddr("100.64.0.1")},
		Resources: []portal.Resource{r},
	})

	flow, _ := newFlowCreated(t, resID)
	c.OnFlowCreated(flow)
	now := time.Now()
	advanceHandshake(t, c, flow.GatewayID, now)
	if _, ok := c.PollTransmit(); !ok {
		t.Fatalf("expected handshake initiation")
	}

	pkt := buildUDPPacket(netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("10.3.0.5"), 9001, 8080, []byte("x"))
	c.HandleTunRead(pkt, now)

	if _, ok := c.PollTransmit(); ok {
		t.Fatalf("udp/8080 traffic should be blocked by a tcp/443-only filter")
	}
}
