package core

import (
	"encoding/binary"
	"net/netip"

	"github.com/kuuji/riftgate/internal/dnsnat"
	"github.com/kuuji/riftgate/internal/identity"
)

// Control payloads ride inside the same noise transport messages as tunnel
// packets, distinguished by a leading byte no real IP packet can produce:
// the first nibble of an IPv4 or IPv6 packet is always 4 or 6, and an empty
// plaintext is already reserved for keepalives, so 0x00 is free to use as a
// marker here.
const controlMessageMarker = 0x00

const (
	controlKindAssignedIPs  = 1
	controlKindDomainStatus = 2
)

// marshalAssignedIPs encodes an AssignedIPs announcement for transmission
// to the gateway it's destined for (the Gateway field itself isn't
// serialized: the recipient learns it implicitly from which session
// decrypted the message).
func marshalAssignedIPs(ann dnsnat.AssignedIPs) []byte {
	out := []byte{controlMessageMarker, controlKindAssignedIPs}
	out = append(out, ann.Resource[:]...)
	out = appendString(out, ann.Domain)
	out = append(out, byte(len(ann.ProxyIPs)))
	for _, ip := range ann.ProxyIPs {
		out = appendAddr(out, ip)
	}
	return out
}

// unmarshalDomainStatus decodes a gateway's DomainStatus report, returning
// ok=false if data isn't a control message of this kind at all (the normal
// case: most transport plaintexts are tunnel packets).
func unmarshalDomainStatus(data []byte) (dnsnat.DomainStatus, bool) {
	if len(data) < 2 || data[0] != controlMessageMarker || data[1] != controlKindDomainStatus {
		return dnsnat.DomainStatus{}, false
	}
	data = data[2:]
	if len(data) < 16+2 {
		return dnsnat.DomainStatus{}, false
	}
	var resID identity.ResourceID
	copy(resID[:], data[:16])
	data = data[16:]

	domain, rest, ok := readString(data)
	if !ok || len(rest) < 1 {
		return dnsnat.DomainStatus{}, false
	}
	status := dnsnat.NatStatusInactive
	if rest[0] != 0 {
		status = dnsnat.NatStatusActive
	}
	return dnsnat.DomainStatus{Domain: domain, Resource: resID, Status: status}, true
}

func appendString(b []byte, s string) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(s)))
	b = append(b, length[:]...)
	return append(b, s...)
}

func readString(b []byte) (s string, rest []byte, ok bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}

// appendAddr encodes a netip.Addr as a one-byte family tag (4 or 6)
// followed by its raw bytes.
func appendAddr(b []byte, addr netip.Addr) []byte {
	if addr.Is4() {
		b = append(b, 4)
	} else {
		b = append(b, 6)
	}
	return append(b, addr.AsSlice()...)
}
