package eventloop

import (
	"net/netip"

	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/tunconfig"
)

// EventKind discriminates the union carried by TunnelEvent: the internal
// tunnel happenings the eventloop forwards to the runtime as described in
// the portal protocol's companion watch channels.
type EventKind int

const (
	// EventICECandidate reports a locally-gathered ICE candidate that must
	// be trickled to the portal for the named gateway.
	EventICECandidate EventKind = iota
	// EventICECandidateInvalidated reports a previously-trickled candidate
	// that no longer applies (e.g. after an ICE restart).
	EventICECandidateInvalidated
	// EventResourcesChanged reports that the resource list visible to the
	// runtime (e.g. a GUI's resource picker) has changed.
	EventResourcesChanged
	// EventTunConfigChanged reports that the TUN device's desired
	// configuration (addresses, routes, MTU, DNS) has changed.
	EventTunConfigChanged
	// EventDNSRecordsChanged reports that the client-side DNS records
	// cache has changed, e.g. a new domain got a proxy-ip assignment.
	EventDNSRecordsChanged
	// EventConnectionIntent reports that the tunnel wants to establish a
	// connection to a gateway, so the runtime should request a flow.
	EventConnectionIntent
	// EventConnectionFailed reports that a peer connection has
	// permanently failed and its session was torn down.
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventICECandidate:
		return "ice_candidate"
	case EventICECandidateInvalidated:
		return "ice_candidate_invalidated"
	case EventResourcesChanged:
		return "resources_changed"
	case EventTunConfigChanged:
		return "tun_config_changed"
	case EventDNSRecordsChanged:
		return "dns_records_changed"
	case EventConnectionIntent:
		return "connection_intent"
	case EventConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// TunnelEvent is one item drained from the tunnel's internal event queue.
// Only the fields relevant to Kind are populated.
type TunnelEvent struct {
	Kind EventKind

	GatewayID  identity.PeerID     // EventICECandidate(Invalidated), EventConnectionIntent/Failed
	Candidate  string              // EventICECandidate(Invalidated)
	ResourceID identity.ResourceID // EventConnectionIntent/Failed
	Domain     string              // EventDNSRecordsChanged
	ProxyIPs   []netip.Addr        // EventDNSRecordsChanged
	TunConfig  *tunconfig.Config   // EventTunConfigChanged
}
