package core

import (
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/kuuji/riftgate/internal/dnsresolver"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/noisecrypto"
	"github.com/kuuji/riftgate/internal/resource"
)

// HandleTunRead processes one packet read from the TUN device: DNS queries
// to one of the interface's configured resolver addresses are answered
// locally from the resource list; everything else is routed to whichever
// gateway serves the matching resource, if any.
func (c *Core) HandleTunRead(pkt []byte, now time.Time) {
	info, ok := parsePacketInfo(pkt)
	if !ok {
		return
	}
	if info.proto == resource.ProtoUDP && info.dstPort == 53 && c.isSentinel(info.dst) {
		c.handleDNSQuery(pkt, info, now)
		return
	}
	c.routeOutgoing(info, pkt, now)
}

func (c *Core) isSentinel(addr netip.Addr) bool {
	for _, s := range c.tunConfig.DNSServers {
		if s == addr {
			return true
		}
	}
	return false
}

func (c *Core) handleDNSQuery(pkt []byte, info packetInfo, now time.Time) {
	if len(pkt) < info.l4Offset+8 {
		return
	}
	payload := pkt[info.l4Offset+8:]
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		c.log.Debug("dropping malformed dns query", "error", err)
		return
	}

	result := c.dnsResolver.HandleDNS(req)

	var reply *dns.Msg
	switch result.Decision {
	case dnsresolver.DecisionForward:
		c.forwardUpstreamDNS(req)
		return
	case dnsresolver.DecisionAnswer:
		reply = result.Msg
	case dnsresolver.DecisionEmpty:
		reply = dnsresolver.EmptyReply(req)
	default:
		return
	}

	out, err := reply.Pack()
	if err != nil {
		c.log.Warn("packing dns reply", "error", err)
		return
	}
	c.pendingTun = append(c.pendingTun, buildUDPPacket(info.dst, info.src, info.dstPort, info.srcPort, out))

	if result.Decision == dnsresolver.DecisionAnswer {
		c.dnsNAT.Recreate(result.Domain)
		c.announceProxyIPs(result.ResourceID, result.Domain, now)
	}
}

// forwardUpstreamDNS hands a non-matching query to the system resolver
// path. This core performs no socket I/O of its own: the runtime is
// expected to recognize that an unintercepted DNS packet should go to
// whichever upstream c.systemResolvers names, since the packet's own
// destination is just the interface's sentinel address.
func (c *Core) forwardUpstreamDNS(req *dns.Msg) {
	name := ""
	if len(req.Question) > 0 {
		name = req.Question[0].Name
	}
	c.log.Debug("dns query forwarded upstream", "name", name)
}

// announceProxyIPs tells every gateway currently serving resourceID which
// proxy address its domain maps to, via the DNS-resource NAT coordinator,
// then flushes any AssignedIPs announcements that queues as a result.
func (c *Core) announceProxyIPs(resourceID identity.ResourceID, domain string, now time.Time) {
	v4, err := c.proxyPool.Assign(domain, dnsresolver.FamilyV4, true, proxyIPsPerDomain)
	if err != nil {
		return
	}
	v6, err := c.proxyPool.Assign(domain, dnsresolver.FamilyV6, true, proxyIPsPerDomain)
	if err != nil {
		return
	}
	addrs := make([]netip.Addr, 0, len(v4)+len(v6))
	addrs = append(addrs, v4...)
	addrs = append(addrs, v6...)

	r, ok := c.resources.Get(resourceID)
	if !ok {
		return
	}
	for _, gw := range c.gateways {
		if !gatewayServes(gw, resourceID, r.Sites) {
			continue
		}
		c.dnsNAT.Update(gw.peerID, resourceID, domain, addrs, nil, now)
	}
	c.drainDNSNATAnnouncements(now)
}

func gatewayServes(gw *gatewayConn, resourceID identity.ResourceID, sites []identity.SiteID) bool {
	if _, ok := gw.resourceIDs[resourceID]; ok {
		return true
	}
	for _, s := range sites {
		if s == gw.siteID {
			return true
		}
	}
	return false
}

// drainDNSNATAnnouncements ships every queued AssignedIPs announcement to
// its gateway as an encrypted control payload.
func (c *Core) drainDNSNATAnnouncements(now time.Time) {
	for {
		ann, ok := c.dnsNAT.PollAssignedIPs()
		if !ok {
			return
		}
		gw, ok := c.gateways[ann.Gateway]
		if !ok {
			continue
		}
		c.sendToGateway(gw, marshalAssignedIPs(ann), now)
	}
}

// routeOutgoing forwards a non-DNS packet to whichever gateway serves the
// resource its destination matches: a DNS resource's proxy address routes
// through the NAT coordinator's setup-pending buffering, everything else
// goes straight through once it clears its resource's traffic filter.
func (c *Core) routeOutgoing(info packetInfo, pkt []byte, now time.Time) {
	if domain, ok := c.dnsResolver.ResourceForAddr(info.dst); ok {
		c.routeDNSResourcePacket(domain, info, pkt, now)
		return
	}

	for _, r := range c.resources.All() {
		if _, disabled := c.disabledResources[r.ID]; disabled {
			continue
		}
		if r.Kind != resource.KindCidr && r.Kind != resource.KindInternet {
			continue
		}
		if r.Kind == resource.KindCidr && !r.Prefix.Contains(info.dst) {
			continue
		}
		if !resource.Allows(r.Filters, info.proto, info.dstPort) {
			continue
		}
		for _, gw := range c.gateways {
			if gatewayServes(gw, r.ID, r.Sites) {
				c.sendToGateway(gw, pkt, now)
				return
			}
		}
	}
}

func (c *Core) routeDNSResourcePacket(domain string, info packetInfo, pkt []byte, now time.Time) {
	for _, gw := range c.gateways {
		for resID := range gw.resourceIDs {
			r, ok := c.resources.Get(resID)
			if !ok || r.Kind != resource.KindDNS {
				continue
			}
			if out, ok := c.dnsNAT.HandleOutgoing(gw.peerID, domain, pkt, now); ok {
				c.sendToGateway(gw, out, now)
			}
			return
		}
	}
}

// HandleGatewayDatagram processes one ciphertext datagram the runtime read
// off the net.Conn for gatewayID. Handshake responses establish the
// session (and flush anything buffered while it was pending); data
// messages are decrypted and either queued for the TUN device or, if
// they're a DNS-resource NAT control payload, handed to the NAT
// coordinator instead.
func (c *Core) HandleGatewayDatagram(gatewayID identity.PeerID, data []byte, now time.Time) {
	gw, ok := c.gateways[gatewayID]
	if !ok {
		return
	}

	mtype, err := noisecrypto.PeekMessageType(data)
	if err != nil {
		return
	}

	switch mtype {
	case noisecrypto.MessageTypeResponse:
		if src, ok := remoteAddr(gw); ok && !c.rateLimiter.VerifyPacket(src) {
			return
		}
		resp, err := noisecrypto.UnmarshalResponse(data)
		if err != nil {
			c.log.Debug("dropping malformed handshake response", "gateway_id", gatewayID.String(), "error", err)
			return
		}
		if err := gw.session.HandleResponse(c.localPriv, resp, now); err != nil {
			c.log.Warn("completing handshake", "gateway_id", gatewayID.String(), "error", err)
			return
		}
		c.flushPreHandshake(gw, now)

	case noisecrypto.MessageTypeData:
		dm, err := noisecrypto.UnmarshalData(data)
		if err != nil {
			return
		}
		pt, err := gw.session.DecryptTransport(dm.Counter, dm.Ciphertext, now)
		if err != nil {
			if err == noisecrypto.ErrSessionExpired {
				c.removeGateway(gatewayID, now, "session expired")
			}
			return
		}
		if len(pt) == 0 {
			return // keepalive
		}
		if status, ok := unmarshalDomainStatus(pt); ok {
			status.Gateway = gatewayID
			for _, pkt := range c.dnsNAT.OnDomainStatus(status) {
				c.pendingTun = append(c.pendingTun, pkt)
			}
			return
		}
		c.pendingTun = append(c.pendingTun, pt)

	default:
		c.log.Debug("ignoring datagram of unexpected type", "gateway_id", gatewayID.String(), "type", mtype)
	}
}

func remoteAddr(gw *gatewayConn) (netip.Addr, bool) {
	conn, err := gw.ice.Conn()
	if err != nil {
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}
