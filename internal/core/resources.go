package core

import (
	"github.com/kuuji/riftgate/internal/eventloop"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/portal"
	"github.com/kuuji/riftgate/internal/resource"
)

// convertResource translates the portal's wire-shaped resource into the
// internal/resource package's representation, which is what the store, the
// domain trie, and the filter check all operate on.
func convertResource(pr portal.Resource) resource.Resource {
	r := resource.Resource{
		ID:      pr.ID,
		Name:    pr.Name,
		Prefix:  pr.Prefix,
		Pattern: pr.Pattern,
		Sites:   pr.Sites,
	}
	switch pr.Kind {
	case portal.ResourceCIDR:
		r.Kind = resource.KindCidr
	case portal.ResourceDNS:
		r.Kind = resource.KindDNS
	case portal.ResourceInternet:
		r.Kind = resource.KindInternet
	}
	switch pr.AddressStack {
	case "ipv4_only":
		r.AddressFamily = resource.AddressFamilyIPv4Only
	case "ipv6_only":
		r.AddressFamily = resource.AddressFamilyIPv6Only
	default:
		r.AddressFamily = resource.AddressFamilyBoth
	}
	for _, f := range pr.Filters {
		var proto resource.Proto
		switch f.Protocol {
		case "tcp":
			proto = resource.ProtoTCP
		case "udp":
			proto = resource.ProtoUDP
		case "icmp":
			proto = resource.ProtoICMP
		default:
			continue
		}
		r.Filters = append(r.Filters, resource.Filter{
			Proto:     proto,
			PortRange: resource.PortRange{Start: f.PortLow, End: f.PortHigh},
		})
	}
	return r
}

// upsertResource stores r and, for DNS resources, indexes its pattern; it
// then re-provisions the stub resolver so proxy-pool assignments that no
// longer match anything get released.
func (c *Core) upsertResource(r resource.Resource) {
	if old, ok := c.resources.Get(r.ID); ok && old.Kind == resource.KindDNS {
		c.domains.Remove(old.Pattern)
	}
	c.resources.Upsert(r)
	if r.Kind == resource.KindDNS {
		c.domains.Insert(r.Pattern, r.ID)
		c.domainByResource[r.ID] = r.Pattern
	}
	c.dnsResolver.Reprovision(c.domains)
	c.pushEvent(eventloop.TunnelEvent{Kind: eventloop.EventResourcesChanged})
}

// deleteResource withdraws a resource: removes it from the store and, for a
// DNS resource, the domain trie and proxy-ip pool, and clears any pending
// DNS-resource NAT state for its domain.
func (c *Core) deleteResource(id identity.ResourceID) {
	r, ok := c.resources.Get(id)
	if !ok {
		return
	}
	c.resources.Delete(id)
	if r.Kind == resource.KindDNS {
		c.domains.RemoveByID(id)
		delete(c.domainByResource, id)
		c.proxyPool.Release(r.Pattern)
		c.dnsNAT.ClearByDomain(r.Pattern)
	}
	c.dnsResolver.Reprovision(c.domains)
	c.pushEvent(eventloop.TunnelEvent{Kind: eventloop.EventResourcesChanged})
}
