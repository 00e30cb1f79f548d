package core

import (
	"math/rand"
	"net/netip"

	"github.com/kuuji/riftgate/internal/eventloop"
	"github.com/kuuji/riftgate/internal/iceagent"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/portal"
	"github.com/kuuji/riftgate/internal/resource"
	"github.com/kuuji/riftgate/internal/tunconfig"
)

// Reset drops every connection and clears all derived state: resources, the
// domain index, DNS-resource NAT entries, the disabled set and the known
// relays. Reprovisioning the resolver against the emptied domain index
// releases every proxy-ip assignment, so the DNS records cache does not
// survive a reset either. Reset does not regenerate the local keypair and
// sends nothing to the portal.
func (c *Core) Reset(reason string) {
	now := c.clock()
	for id := range c.gateways {
		c.removeGateway(id, now, "reset: "+reason)
	}
	c.resources = resource.NewStore()
	c.domains = resource.NewDomainIndex()
	c.domainByResource = make(map[identity.ResourceID]string)
	c.dnsNAT.Clear()
	c.dnsResolver.Reprovision(c.domains)
	c.disabledResources = make(map[identity.ResourceID]struct{})
	c.relays = make(map[identity.RelayID]portal.RelayInfo)
	c.log.Info("tunnel reset", "reason", reason)
}

// Stop tears down every live gateway connection and closes the TUN device.
func (c *Core) Stop() {
	now := c.clock()
	for id := range c.gateways {
		c.removeGateway(id, now, "stop")
	}
	if c.tun != nil {
		if err := c.tun.Close(); err != nil {
			c.log.Warn("closing tun device", "error", err)
		}
		c.tun = nil
	}
}

// SetDNS replaces the system resolver list used to forward queries that
// don't match any resource.
func (c *Core) SetDNS(servers []netip.Addr) {
	c.systemResolvers = servers
}

// SetTun hands this core a freshly-created TUN device, applying the
// currently-known interface configuration to it immediately.
func (c *Core) SetTun(tun any) {
	t, ok := tun.(tunconfig.Tun)
	if !ok {
		c.log.Error("SetTun: value does not implement tunconfig.Tun")
		return
	}
	c.tun = t
	if err := tunconfig.Apply(t, c.tunConfig); err != nil {
		c.log.Error("applying tun configuration", "error", err)
	}
}

// SetDisabledResources replaces the administratively-disabled resource set.
// Disabled resources are still tracked (so re-enabling them is instant) but
// skipped when routing packets to CIDR and Internet resources; the DNS
// interception and DNS-resource paths do not consult this set.
func (c *Core) SetDisabledResources(disabled map[identity.ResourceID]struct{}) {
	c.disabledResources = disabled
}

// OnInit applies the portal's initial snapshot: interface configuration,
// the full resource list, and the initially-connected relay set.
func (c *Core) OnInit(msg *portal.InitMessage) {
	c.applyInterfaceConfig(msg.Interface)
	for _, pr := range msg.Resources {
		c.upsertResource(convertResource(pr))
	}
	for _, r := range msg.Relays {
		c.relays[r.ID] = r
	}
}

func (c *Core) applyInterfaceConfig(ifc portal.InterfaceConfig) {
	c.tunConfig = tunconfig.Config{
		IPv4:         ifc.IPv4,
		IPv6:         ifc.IPv6,
		MTU:          1280,
		DNSServers:   ifc.DNSServers,
		SearchDomain: ifc.SearchDomain,
	}
	if ifc.SearchDomain != "" {
		c.searchDomains = []string{ifc.SearchDomain}
	}
	c.systemResolvers = ifc.DNSServers
	if c.tun != nil {
		if err := tunconfig.Apply(c.tun, c.tunConfig); err != nil {
			c.log.Error("applying tun configuration", "error", err)
		}
	}
	cfg := c.tunConfig
	c.pushEvent(eventloop.TunnelEvent{Kind: eventloop.EventTunConfigChanged, TunConfig: &cfg})
}

// OnResourceCreatedOrUpdated upserts one resource, replacing any prior
// version with the same id.
func (c *Core) OnResourceCreatedOrUpdated(msg *portal.ResourceCreatedOrUpdatedMessage) {
	c.upsertResource(convertResource(msg.Resource))
}

// OnResourceDeleted withdraws one resource.
func (c *Core) OnResourceDeleted(msg *portal.ResourceDeletedMessage) {
	c.deleteResource(msg.ID)
}

// OnICECandidates feeds trickled remote candidates to the named gateway's
// ICE agent, if one is live.
func (c *Core) OnICECandidates(msg *portal.ICECandidatesMessage) {
	gw, ok := c.gateways[msg.GatewayID]
	if !ok {
		c.log.Debug("ice candidates for unknown gateway", "gateway_id", msg.GatewayID.String())
		return
	}
	for _, cand := range msg.Candidates {
		if err := gw.ice.AddRemoteCandidate(cand); err != nil {
			c.log.Warn("adding remote ice candidate", "gateway_id", msg.GatewayID.String(), "error", err)
		}
	}
}

// OnInvalidateICECandidates is advisory only: pion/ice has no API to
// retract a specific candidate once added, so withdrawal is handled by the
// next ICE restart (see failoverRelay) rather than by acting on this
// message directly.
func (c *Core) OnInvalidateICECandidates(msg *portal.InvalidateICECandidatesMessage) {
	c.log.Debug("ignoring candidate invalidation, handled by next ice restart", "gateway_id", msg.GatewayID.String())
}

// OnConfigChanged re-applies a pushed interface configuration change.
func (c *Core) OnConfigChanged(msg *portal.ConfigChangedMessage) {
	c.applyInterfaceConfig(msg.Interface)
}

// OnRelaysPresence updates the known relay set and fails over any gateway
// whose selected relay just disconnected.
func (c *Core) OnRelaysPresence(msg *portal.RelaysPresenceMessage) {
	for _, id := range msg.DisconnectedIDs {
		delete(c.relays, id)
	}
	for _, r := range msg.Connected {
		c.relays[r.ID] = r
	}

	disconnected := make(map[identity.RelayID]struct{}, len(msg.DisconnectedIDs))
	for _, id := range msg.DisconnectedIDs {
		disconnected[id] = struct{}{}
	}
	for _, gw := range c.gateways {
		if _, affected := disconnected[gw.relay]; affected {
			c.failoverRelay(gw)
		}
	}
}

// failoverRelay re-points gw at a uniformly-sampled live relay and restarts
// ICE so a fresh gathering and connectivity check round runs. No TURN
// credentials are minted here: the restarted agent gathers against the TURN
// servers and credentials it was created with, and the new ICE credentials
// Restart returns are not sent anywhere.
func (c *Core) failoverRelay(gw *gatewayConn) {
	if len(c.relays) == 0 {
		if !c.warnedNoAlloc[gw.peerID] {
			c.log.Warn("no live relay to fail over to", "gateway_id", gw.peerID.String())
			c.warnedNoAlloc[gw.peerID] = true
		}
		return
	}
	ids := make([]identity.RelayID, 0, len(c.relays))
	for id := range c.relays {
		ids = append(ids, id)
	}
	gw.relay = ids[rand.Intn(len(ids))]

	if _, err := gw.ice.Restart(); err != nil {
		c.log.Warn("restarting ice agent after relay failover", "gateway_id", gw.peerID.String(), "error", err)
		return
	}
	delete(c.warnedNoAlloc, gw.peerID)
	c.log.Info("failed over gateway to new relay", "gateway_id", gw.peerID.String(), "relay_id", gw.relay.String())
}

// OnFlowCreated stands up ICE and noise state for a newly authorized
// gateway connection and starts connectivity establishment immediately
// using the credentials the portal already supplied.
func (c *Core) OnFlowCreated(msg *portal.FlowCreatedMessage) {
	gw, ok := c.gateways[msg.GatewayID]
	if !ok {
		var err error
		gw, err = c.addGateway(msg)
		if err != nil {
			c.log.Error("creating gateway connection", "gateway_id", msg.GatewayID.String(), "error", err)
			return
		}
	} else {
		gw.resourceIDs[msg.ResourceID] = struct{}{}
	}
	gw.ice.Connect(c.ctx, iceagent.Credentials{
		Ufrag: msg.GatewayICECredentials.Ufrag,
		Pwd:   msg.GatewayICECredentials.Pwd,
	})
}

// OnFlowCreationFailed reports a failed flow request as a connection
// failure for the resource that requested it.
func (c *Core) OnFlowCreationFailed(msg *portal.FlowCreationFailedMessage) {
	c.log.Warn("flow creation failed", "resource_id", msg.ResourceID.String(), "reason", msg.Reason)
	c.pushEvent(eventloop.TunnelEvent{Kind: eventloop.EventConnectionFailed, ResourceID: msg.ResourceID})
}

// HandleTunnelEvent exists to satisfy eventloop.Handler; Core is itself the
// producer of tunnel events (see events field), not a consumer, so there is
// nothing to react to here.
func (c *Core) HandleTunnelEvent(eventloop.TunnelEvent) {}

// HandleIOError reacts to a classified tunnel I/O error. Only a fatal
// disposition requires action here (eventloop already logs every
// disposition); a fatal error means the socket layer died, so every gateway
// connection is torn down since none of them can carry traffic anymore.
func (c *Core) HandleIOError(err error, disposition eventloop.Disposition) {
	if disposition != eventloop.DispositionFatal {
		return
	}
	now := c.clock()
	for id := range c.gateways {
		c.removeGateway(id, now, "fatal io error: "+err.Error())
	}
}
