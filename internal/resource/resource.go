// Package resource models administratively-defined access targets (CIDR
// blocks, DNS name patterns, or the entire Internet) and the traffic
// filters attached to them, per spec section 3.
package resource

import (
	"net/netip"

	"github.com/kuuji/riftgate/internal/identity"
)

// Proto is an allowed transport protocol in a resource's filter list.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoICMP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// PortRange is an inclusive [Start, End] port range. For ICMP filters the
// range is ignored (ports are meaningless), but is kept in the struct for
// a uniform representation.
type PortRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether port p falls within the range.
func (r PortRange) Contains(p uint16) bool {
	return p >= r.Start && p <= r.End
}

// Filter is one entry of a resource's ordered filter list. An empty filter
// list on a Resource means "all traffic allowed".
type Filter struct {
	Proto     Proto
	PortRange PortRange
}

// Allows reports whether a packet with the given protocol and destination
// port is permitted by this filter list. An empty list allows everything.
func Allows(filters []Filter, proto Proto, dstPort uint16) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Proto != proto {
			continue
		}
		if proto == ProtoICMP || f.PortRange.Contains(dstPort) {
			return true
		}
	}
	return false
}

// Kind distinguishes the three Resource variants.
type Kind int

const (
	KindCidr Kind = iota
	KindDNS
	KindInternet
)

// AddressFamily constrains which address families a DNS resource resolves.
type AddressFamily int

const (
	AddressFamilyBoth AddressFamily = iota
	AddressFamilyIPv4Only
	AddressFamilyIPv6Only
)

// Resource is one of Cidr, Dns, or Internet, discriminated by Kind.
// Invariant: resource ids are unique; a newly-received resource with an
// existing id fully replaces the prior one (enforced by the caller's store,
// see Store below).
type Resource struct {
	Kind Kind
	ID   identity.ResourceID
	Name string

	// Cidr-only.
	Prefix netip.Prefix

	// Dns-only. Pattern is a DNS name possibly containing a single leading
	// "*" or "?" wildcard label.
	Pattern       string
	AddressFamily AddressFamily

	Sites   []identity.SiteID
	Filters []Filter
}

// Store is a simple id-keyed replace-on-conflict table of resources.
// Not safe for concurrent use without external locking; callers in this
// module (eventloop) already serialize all mutation on one task per spec
// section 5.
type Store struct {
	byID map[identity.ResourceID]Resource
}

// NewStore creates an empty resource store.
func NewStore() *Store {
	return &Store{byID: make(map[identity.ResourceID]Resource)}
}

// Upsert inserts or fully replaces the resource with the given id.
func (s *Store) Upsert(r Resource) {
	s.byID[r.ID] = r
}

// Delete removes a resource by id. No-op if absent.
func (s *Store) Delete(id identity.ResourceID) {
	delete(s.byID, id)
}

// Get returns the resource with the given id, if present.
func (s *Store) Get(id identity.ResourceID) (Resource, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// All returns every resource currently known, in no particular order.
func (s *Store) All() []Resource {
	out := make([]Resource, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	return out
}

// Len reports the number of resources currently stored.
func (s *Store) Len() int { return len(s.byID) }
