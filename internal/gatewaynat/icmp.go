package gatewaynat

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ICMPv4 destination-unreachable/time-exceeded and ICMPv6
// destination-unreachable/packet-too-big/time-exceeded messages all embed a
// copy of the packet that triggered them. That embedded packet is what
// needs NAT translation, not the ICMP error's own header, since the ICMP
// error itself was never sent to (or by) a NATed address.
const (
	icmpv4DestUnreachable = 3
	icmpv4TimeExceeded    = 11
	icmpv6DestUnreachable = 1
	icmpv6PacketTooBig    = 2
	icmpv6TimeExceeded    = 3

	icmpHeaderLen = 8
)

// EmbeddedFailure is the protocol/address pair recovered from the packet
// embedded in an ICMP error, identifying which outside NAT session the
// error belongs to.
type EmbeddedFailure struct {
	Proto   Protocol
	DstAddr netip.Addr
	Code    uint8
}

// IcmpErrorPrototype carries enough information to translate an ICMP error
// received from the outside back into one the client can make sense of: the
// proxy address and protocol the error should appear to have come from.
type IcmpErrorPrototype struct {
	InsideDst   netip.Addr
	InsideProto Protocol
	Embedded    EmbeddedFailure
}

// IsICMPError reports whether an ICMPv4/ICMPv6 type+code combination is one
// of the error types that embeds a failed packet, as opposed to a plain
// echo reply or other non-error message.
func IsICMPError(v6 bool, icmpType uint8) bool {
	if v6 {
		return icmpType == icmpv6DestUnreachable || icmpType == icmpv6PacketTooBig || icmpType == icmpv6TimeExceeded
	}
	return icmpType == icmpv4DestUnreachable || icmpType == icmpv4TimeExceeded
}

// ParseEmbeddedFailure extracts the embedded IPv4 or IPv6 packet's protocol and
// destination address from an ICMP error payload. payload is everything
// after the ICMP type/code/checksum/unused header (icmpPayload[8:] of the
// full ICMP message). Every length check is explicit: this reads untrusted
// bytes that arrived from outside the tunnel, and a short or malformed
// embedded header must produce an error rather than an out-of-range read.
func ParseEmbeddedFailure(icmpType uint8, payload []byte) (EmbeddedFailure, error) {
	if len(payload) < 20 {
		return EmbeddedFailure{}, fmt.Errorf("gatewaynat: embedded packet too short for an IPv4 header: %d bytes", len(payload))
	}
	versionIHL := payload[0]
	version := versionIHL >> 4
	if version != 4 {
		return parseEmbeddedIPv6Failure(icmpType, payload)
	}

	ihl := int(versionIHL&0x0f) * 4
	if ihl < 20 || len(payload) < ihl {
		return EmbeddedFailure{}, fmt.Errorf("gatewaynat: embedded IPv4 header length %d invalid for %d-byte payload", ihl, len(payload))
	}

	protoByte := payload[9]
	dstBytes := payload[16:20]
	dst := netip.AddrFrom4([4]byte(dstBytes))

	l4 := payload[ihl:]
	proto, err := embeddedProtocol(protoByte, l4)
	if err != nil {
		return EmbeddedFailure{}, err
	}

	return EmbeddedFailure{Proto: proto, DstAddr: dst, Code: protoByte}, nil
}

func parseEmbeddedIPv6Failure(icmpType uint8, payload []byte) (EmbeddedFailure, error) {
	const ipv6HeaderLen = 40
	if len(payload) < ipv6HeaderLen {
		return EmbeddedFailure{}, fmt.Errorf("gatewaynat: embedded packet too short for an IPv6 header: %d bytes", len(payload))
	}

	nextHeader := payload[6]
	dstBytes := payload[24:40]
	dst := netip.AddrFrom16([16]byte(dstBytes))

	l4 := payload[ipv6HeaderLen:]
	proto, err := embeddedProtocol(nextHeader, l4)
	if err != nil {
		return EmbeddedFailure{}, err
	}

	return EmbeddedFailure{Proto: proto, DstAddr: dst, Code: icmpType}, nil
}

// embeddedProtocol reads the layer-4 port or ICMP identifier out of the
// first few bytes of an embedded packet's transport header.
func embeddedProtocol(protoNum uint8, l4 []byte) (Protocol, error) {
	switch protoNum {
	case 6: // TCP
		if len(l4) < 2 {
			return Protocol{}, fmt.Errorf("gatewaynat: embedded TCP header too short for a source port: %d bytes", len(l4))
		}
		return Protocol{Transport: TransportTCP, Value: binary.BigEndian.Uint16(l4[0:2])}, nil
	case 17: // UDP
		if len(l4) < 2 {
			return Protocol{}, fmt.Errorf("gatewaynat: embedded UDP header too short for a source port: %d bytes", len(l4))
		}
		return Protocol{Transport: TransportUDP, Value: binary.BigEndian.Uint16(l4[0:2])}, nil
	case 1, 58: // ICMPv4 echo, ICMPv6 echo
		if len(l4) < icmpHeaderLen {
			return Protocol{}, fmt.Errorf("gatewaynat: embedded ICMP header too short for an identifier: %d bytes", len(l4))
		}
		return Protocol{Transport: TransportICMPEcho, Value: binary.BigEndian.Uint16(l4[4:6])}, nil
	default:
		return Protocol{}, fmt.Errorf("gatewaynat: embedded packet uses unsupported protocol %d", protoNum)
	}
}
