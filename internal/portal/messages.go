// Package portal implements the wire protocol and websocket transport for
// the control channel between the client and the portal: a JSON envelope
// tagged by an "event" field, and a reconnecting websocket client that
// delivers decoded inbound messages on a channel.
package portal

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/kuuji/riftgate/internal/identity"
)

// Message is implemented by every portal protocol message, inbound or
// outbound. Each corresponds to a JSON object carrying an "event"
// discriminator field.
type Message interface {
	// EventName returns the wire-format "event" value, e.g. "init" or
	// "create_flow".
	EventName() string
}

// ResourceKind discriminates the three resource variants the portal can
// describe.
type ResourceKind string

const (
	ResourceCIDR     ResourceKind = "cidr"
	ResourceDNS      ResourceKind = "dns"
	ResourceInternet ResourceKind = "internet"
)

// Filter restricts which traffic a resource accepts. An empty Filters list
// on a Resource means all traffic is allowed.
type Filter struct {
	Protocol string `json:"protocol"` // "tcp", "udp", or "icmp"
	PortLow  uint16 `json:"port_low,omitempty"`
	PortHigh uint16 `json:"port_high,omitempty"`
}

// Resource describes one access-controlled resource as reported by the
// portal. Which fields are meaningful depends on Kind: CIDR resources use
// Prefix, DNS resources use Pattern and AddressStack, Internet resources use
// neither.
type Resource struct {
	Kind    ResourceKind      `json:"kind"`
	ID      identity.ResourceID `json:"id"`
	Name    string            `json:"name,omitempty"`
	Prefix  netip.Prefix      `json:"prefix,omitzero"`
	Pattern string            `json:"pattern,omitempty"`
	// AddressStack restricts which address families a DNS resource may be
	// assigned a proxy address from: "ipv4_only", "ipv6_only", or "dual".
	AddressStack string          `json:"address_stack,omitempty"`
	Sites        []identity.SiteID `json:"sites,omitempty"`
	Filters      []Filter        `json:"filters,omitempty"`
}

// RelayInfo describes one TURN relay the portal reports as connected.
type RelayInfo struct {
	ID    identity.RelayID `json:"id"`
	Addr  string           `json:"addr"`
	Realm string           `json:"realm,omitempty"`
}

// ICECredentials is an ICE username fragment/password pair.
type ICECredentials struct {
	Ufrag string `json:"ufrag"`
	Pwd   string `json:"pwd"`
}

// InterfaceConfig is the tunnel interface configuration the portal pushes,
// either at init or via config_changed.
type InterfaceConfig struct {
	IPv4         netip.Addr   `json:"ipv4"`
	IPv6         netip.Addr   `json:"ipv6,omitzero"`
	DNSServers   []netip.Addr `json:"dns_servers,omitempty"`
	SearchDomain string       `json:"search_domain,omitempty"`
}

// --- Inbound: portal -> client ---

// InitMessage is the first message the portal sends after a successful
// connection: the interface configuration, the resource list, and the
// initially-connected relays.
type InitMessage struct {
	Interface InterfaceConfig `json:"interface"`
	Resources []Resource      `json:"resources"`
	Relays    []RelayInfo     `json:"relays"`
}

func (InitMessage) EventName() string { return "init" }

// ResourceCreatedOrUpdatedMessage announces a new resource, or fully
// replaces an existing one with the same id.
type ResourceCreatedOrUpdatedMessage struct {
	Resource Resource `json:"resource"`
}

func (ResourceCreatedOrUpdatedMessage) EventName() string { return "resource_created_or_updated" }

// ResourceDeletedMessage withdraws a resource.
type ResourceDeletedMessage struct {
	ID identity.ResourceID `json:"id"`
}

func (ResourceDeletedMessage) EventName() string { return "resource_deleted" }

// ICECandidatesMessage carries trickled ICE candidates for a gateway. The
// same shape is used, with opposite meaning, for invalidation.
type ICECandidatesMessage struct {
	GatewayID  identity.PeerID `json:"gateway_id"`
	Candidates []string        `json:"candidates"`
}

func (ICECandidatesMessage) EventName() string { return "ice_candidates" }

// InvalidateICECandidatesMessage withdraws previously-trickled candidates.
type InvalidateICECandidatesMessage struct {
	GatewayID  identity.PeerID `json:"gateway_id"`
	Candidates []string        `json:"candidates"`
}

func (InvalidateICECandidatesMessage) EventName() string { return "invalidate_ice_candidates" }

// ConfigChangedMessage updates the tunnel interface configuration in place.
type ConfigChangedMessage struct {
	Interface InterfaceConfig `json:"interface"`
}

func (ConfigChangedMessage) EventName() string { return "config_changed" }

// RelaysPresenceMessage reports which relays disconnected and which are now
// connected.
type RelaysPresenceMessage struct {
	DisconnectedIDs []identity.RelayID `json:"disconnected_ids"`
	Connected       []RelayInfo        `json:"connected"`
}

func (RelaysPresenceMessage) EventName() string { return "relays_presence" }

// FlowCreatedMessage authorizes one client-gateway connection, carrying the
// key material and ICE credentials both sides need to establish it.
type FlowCreatedMessage struct {
	ResourceID          identity.ResourceID `json:"resource_id"`
	GatewayID           identity.PeerID     `json:"gateway_id"`
	SiteID              identity.SiteID     `json:"site_id"`
	GatewayPublicKey    identity.Key        `json:"gateway_public_key"`
	GatewayIPv4         netip.Addr          `json:"gateway_ipv4"`
	GatewayIPv6         netip.Addr          `json:"gateway_ipv6,omitzero"`
	PresharedKey        identity.Key        `json:"preshared_key"`
	ClientICECredentials  ICECredentials    `json:"client_ice_credentials"`
	GatewayICECredentials ICECredentials    `json:"gateway_ice_credentials"`
}

func (FlowCreatedMessage) EventName() string { return "flow_created" }

// FlowFailureReason enumerates why a create_flow request was refused.
type FlowFailureReason string

const (
	FlowFailureOffline        FlowFailureReason = "offline"
	FlowFailureNotFound       FlowFailureReason = "not_found"
	FlowFailureVersionMismatch FlowFailureReason = "version_mismatch"
	FlowFailureForbidden      FlowFailureReason = "forbidden"
	FlowFailureUnknown        FlowFailureReason = "unknown"
)

// FlowCreationFailedMessage reports that a create_flow request failed.
type FlowCreationFailedMessage struct {
	ResourceID identity.ResourceID `json:"resource_id"`
	Reason     FlowFailureReason   `json:"reason"`
}

func (FlowCreationFailedMessage) EventName() string { return "flow_creation_failed" }

// --- Outbound: client -> portal ---

// CreateFlowMessage requests authorization to reach a resource through one
// of the given candidate gateways.
type CreateFlowMessage struct {
	ResourceID         identity.ResourceID `json:"resource_id"`
	ConnectedGatewayIDs []identity.PeerID  `json:"connected_gateway_ids"`
}

func (CreateFlowMessage) EventName() string { return "create_flow" }

// BroadcastICECandidatesMessage trickles local ICE candidates to a set of
// gateways.
type BroadcastICECandidatesMessage struct {
	GatewayIDs []identity.PeerID `json:"gateway_ids"`
	Candidates []string          `json:"candidates"`
}

func (BroadcastICECandidatesMessage) EventName() string { return "broadcast_ice_candidates" }

// BroadcastInvalidatedICECandidatesMessage withdraws previously-trickled
// local candidates.
type BroadcastInvalidatedICECandidatesMessage struct {
	GatewayIDs []identity.PeerID `json:"gateway_ids"`
	Candidates []string          `json:"candidates"`
}

func (BroadcastInvalidatedICECandidatesMessage) EventName() string {
	return "broadcast_invalidated_ice_candidates"
}

// messageTypes maps wire "event" values to factories producing a zero-value
// pointer of the matching concrete type, the same registry shape the
// teacher's protocol package uses.
var messageTypes = map[string]func() Message{
	"init":                                 func() Message { return &InitMessage{} },
	"resource_created_or_updated":          func() Message { return &ResourceCreatedOrUpdatedMessage{} },
	"resource_deleted":                     func() Message { return &ResourceDeletedMessage{} },
	"ice_candidates":                       func() Message { return &ICECandidatesMessage{} },
	"invalidate_ice_candidates":            func() Message { return &InvalidateICECandidatesMessage{} },
	"config_changed":                       func() Message { return &ConfigChangedMessage{} },
	"relays_presence":                      func() Message { return &RelaysPresenceMessage{} },
	"flow_created":                         func() Message { return &FlowCreatedMessage{} },
	"flow_creation_failed":                 func() Message { return &FlowCreationFailedMessage{} },
	"create_flow":                          func() Message { return &CreateFlowMessage{} },
	"broadcast_ice_candidates":             func() Message { return &BroadcastICECandidatesMessage{} },
	"broadcast_invalidated_ice_candidates": func() Message { return &BroadcastInvalidatedICECandidatesMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "event" discriminator
// field.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling portal message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding portal message payload: %w", err)
	}

	eventBytes, err := json.Marshal(msg.EventName())
	if err != nil {
		return nil, fmt.Errorf("marshaling portal event name: %w", err)
	}
	obj["event"] = eventBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON portal message, using the "event"
// discriminator to pick the matching concrete type. An unrecognized event
// returns an *UnknownEventError rather than failing loudly, since unknown
// variants must be tolerated for forward compatibility.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding portal message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Event]
	if !ok {
		return nil, &UnknownEventError{Event: env.Event}
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q portal message: %w", env.Event, err)
	}

	return msg, nil
}

// UnknownEventError is returned by Unmarshal for an event name this
// version doesn't recognize. Callers should ignore the message rather than
// treat this as fatal.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("portal: unknown message event %q", e.Event)
}
