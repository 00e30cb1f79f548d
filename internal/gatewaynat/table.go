package gatewaynat

import (
	"errors"
	"net/netip"
	"time"
)

// TTLs mirror a stateful firewall's: TCP sessions outlive a short UDP/ICMP
// idle window, a just-created entry that never sees a reply is reclaimed
// quickly, and a session both sides have FIN'd is kept just long enough to
// let a straggling packet through.
const (
	TCPTTL         = 2 * time.Hour
	UDPTTL         = 2 * time.Minute
	ICMPTTL        = 2 * time.Minute
	UnconfirmedTTL = 60 * time.Second
	finLinger      = 5 * time.Second
)

var ErrNatExhausted = errors.New("gatewaynat: no free outside port/identifier available")

type insideKey struct {
	proto Protocol
	addr  netip.Addr
}

type outsideKey struct {
	proto Protocol
	addr  netip.Addr
}

type entryState struct {
	lastOutgoing time.Time
	lastIncoming time.Time
	hasIncoming  bool

	outgoingRST, incomingRST bool
	outgoingFin, incomingFin bool
}

func newEntryState(now time.Time) *entryState {
	return &entryState{lastOutgoing: now}
}

func (s *entryState) lastPacket() time.Time {
	if !s.hasIncoming {
		return s.lastOutgoing
	}
	if s.lastIncoming.After(s.lastOutgoing) {
		return s.lastIncoming
	}
	return s.lastOutgoing
}

func (s *entryState) ttlTimeout(proto Protocol) time.Time {
	var ttl time.Duration
	switch proto.Transport {
	case TransportTCP:
		ttl = TCPTTL
	case TransportUDP:
		ttl = UDPTTL
	default:
		ttl = ICMPTTL
	}
	return s.lastPacket().Add(ttl)
}

func (s *entryState) unconfirmedTimeout() (time.Time, bool) {
	if s.hasIncoming {
		return time.Time{}, false
	}
	return s.lastOutgoing.Add(UnconfirmedTTL), true
}

func (s *entryState) finTimeout() (time.Time, bool) {
	if !s.outgoingFin || !s.incomingFin {
		return time.Time{}, false
	}
	return s.lastPacket().Add(finLinger), true
}

func (s *entryState) rstTimeout() (time.Time, bool) {
	if !s.outgoingRST && !s.incomingRST {
		return time.Time{}, false
	}
	return s.lastPacket(), true
}

// removeAt is the earliest of every applicable timeout; whichever fires
// first evicts the entry.
func (s *entryState) removeAt(proto Protocol) time.Time {
	earliest := s.ttlTimeout(proto)
	if t, ok := s.unconfirmedTimeout(); ok && t.Before(earliest) {
		earliest = t
	}
	if t, ok := s.finTimeout(); ok && t.Before(earliest) {
		earliest = t
	}
	if t, ok := s.rstTimeout(); ok && t.Before(earliest) {
		earliest = t
	}
	return earliest
}

// ResultKind discriminates what TranslateIncoming found.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultICMPError
	ResultExpiredSession
	ResultNoSession
)

// TranslateResult is the outcome of translating one incoming packet.
type TranslateResult struct {
	Kind ResultKind

	// Set when Kind == ResultOK: the inside (proxy-facing) protocol/address
	// to rewrite the packet's destination to.
	Proto Protocol
	Addr  netip.Addr

	// Set when Kind == ResultICMPError: everything needed to translate the
	// embedded failed packet and re-target the ICMP error at the client.
	ICMPError *IcmpErrorPrototype
}

// Table is a stateful symmetric NAT table translating between a client's
// proxy address for a domain and the resource's real address.
type Table struct {
	forward map[insideKey]outsideKey
	reverse map[outsideKey]insideKey
	state   map[insideKey]*entryState
	expired map[outsideKey]struct{}
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		forward: make(map[insideKey]outsideKey),
		reverse: make(map[outsideKey]insideKey),
		state:   make(map[insideKey]*entryState),
		expired: make(map[outsideKey]struct{}),
	}
}

// HandleTimeout evicts every entry whose deadline has passed.
func (t *Table) HandleTimeout(now time.Time) {
	for inside, st := range t.state {
		if now.Before(st.removeAt(inside.proto)) {
			continue
		}
		outside, ok := t.forward[inside]
		if !ok {
			delete(t.state, inside)
			continue
		}
		delete(t.forward, inside)
		delete(t.reverse, outside)
		delete(t.state, inside)
		t.expired[outside] = struct{}{}
	}
}

// TranslateOutgoing maps a packet arriving from the client (addressed to a
// proxy IP) onto the real address it should leave with. proto is the
// packet's own source protocol (port or ICMP id); insideDst is the proxy
// address the packet was sent to; outsideDst is the resource's real
// address. rst/fin report the packet's TCP flags (ignored for non-TCP).
func (t *Table) TranslateOutgoing(proto Protocol, insideDst, outsideDst netip.Addr, rst, fin bool, now time.Time) (Protocol, netip.Addr, error) {
	inside := insideKey{proto, insideDst}

	if outside, ok := t.forward[inside]; ok {
		st := t.state[inside]
		if rst {
			st.outgoingRST = true
		}
		if fin {
			st.outgoingFin = true
		}
		st.lastOutgoing = now
		return outside.proto, outside.addr, nil
	}

	outside, err := t.allocateOutside(proto, outsideDst)
	if err != nil {
		return Protocol{}, netip.Addr{}, err
	}

	t.forward[inside] = outside
	t.reverse[outside] = inside
	st := newEntryState(now)
	st.outgoingRST = rst
	st.outgoingFin = fin
	t.state[inside] = st
	delete(t.expired, outside)

	return outside.proto, outside.addr, nil
}

// allocateOutside finds the first unused (proto, outsideDst) pairing,
// starting the port/identifier search at proto's own value so a flow keeps
// the same outside port in the common case where nothing collides, and
// wrapping around the space [1, 65535] — value 0 is never handed out, since
// it isn't a valid source port or ICMP identifier.
func (t *Table) allocateOutside(proto Protocol, outsideDst netip.Addr) (outsideKey, error) {
	start := int(proto.Value)
	if start == 0 {
		start = 1
	}
	const spaceSize = 0xffff // values 1..=65535
	for i := 0; i < spaceSize; i++ {
		value := uint16((start-1+i)%spaceSize) + 1
		candidate := outsideKey{proto.WithValue(value), outsideDst}
		if _, taken := t.reverse[candidate]; !taken {
			return candidate, nil
		}
	}
	return outsideKey{}, ErrNatExhausted
}

// TranslateIncoming maps a packet arriving from the resource (or a router
// reporting it unreachable) back onto the client-facing proxy address and
// protocol it originally came from.
func (t *Table) TranslateIncoming(proto Protocol, srcAddr netip.Addr, rst, fin bool, now time.Time) TranslateResult {
	outside := outsideKey{proto, srcAddr}

	inside, ok := t.reverse[outside]
	if !ok {
		if _, wasExpired := t.expired[outside]; wasExpired {
			return TranslateResult{Kind: ResultExpiredSession}
		}
		return TranslateResult{Kind: ResultNoSession}
	}

	st := t.state[inside]
	if rst {
		st.incomingRST = true
	}
	if fin {
		st.incomingFin = true
	}
	st.lastIncoming = now
	st.hasIncoming = true

	return TranslateResult{Kind: ResultOK, Proto: inside.proto, Addr: inside.addr}
}

// TranslateIncomingICMPError handles an ICMP error whose embedded failed
// packet names the outside protocol/address the gateway itself used, so it
// can be translated back to what the client originally sent.
func (t *Table) TranslateIncomingICMPError(embedded EmbeddedFailure) TranslateResult {
	outside := outsideKey{embedded.Proto, embedded.DstAddr}

	inside, ok := t.reverse[outside]
	if ok {
		return TranslateResult{
			Kind: ResultICMPError,
			ICMPError: &IcmpErrorPrototype{
				InsideDst:   inside.addr,
				InsideProto: inside.proto,
				Embedded:    embedded,
			},
		}
	}

	if _, wasExpired := t.expired[outside]; wasExpired {
		return TranslateResult{Kind: ResultExpiredSession}
	}
	return TranslateResult{Kind: ResultNoSession}
}
