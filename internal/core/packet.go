package core

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/net/ipv4"

	"github.com/kuuji/riftgate/internal/resource"
)

const (
	ipProtoICMP   = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoICMPv6 = 58

	ipv6HeaderLen = 40
)

// packetInfo is the handful of header fields this client needs to decide
// what to do with an intercepted packet: whether it matches a resource
// filter, and whether it's a DNS query to one of the interface's sentinel
// addresses. It deliberately stops short of a full header parse — checksum
// validation and rewriting are the gateway's job (internal/gatewaynat),
// not this client's; packets are forwarded byte-for-byte once noise-
// encrypted.
type packetInfo struct {
	proto    resource.Proto
	src, dst netip.Addr
	srcPort  uint16
	dstPort  uint16
	// l4Offset is the byte offset where the TCP/UDP/ICMP header starts,
	// i.e. right after the IP header (and any IPv6 extension headers, which
	// this parser doesn't walk).
	l4Offset int
}

// parsePacketInfo extracts packetInfo from a raw IPv4 or IPv6 packet as
// read from the TUN device. It returns false for anything it can't
// confidently classify (unknown ethertype, truncated header, or an IPv6
// extension header chain).
func parsePacketInfo(pkt []byte) (packetInfo, bool) {
	if len(pkt) < 1 {
		return packetInfo{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return parseIPv4Info(pkt)
	case 6:
		return parseIPv6Info(pkt)
	default:
		return packetInfo{}, false
	}
}

func parseIPv4Info(pkt []byte) (packetInfo, bool) {
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return packetInfo{}, false
	}
	src, srcOk := netip.AddrFromSlice(h.Src.To4())
	dst, dstOk := netip.AddrFromSlice(h.Dst.To4())
	if !srcOk || !dstOk {
		return packetInfo{}, false
	}
	info := packetInfo{src: src, dst: dst, l4Offset: h.Len}
	switch h.Protocol {
	case ipProtoTCP:
		info.proto = resource.ProtoTCP
	case ipProtoUDP:
		info.proto = resource.ProtoUDP
	case ipProtoICMP:
		info.proto = resource.ProtoICMP
	default:
		return packetInfo{}, false
	}
	fillPorts(&info, pkt)
	return info, true
}

func parseIPv6Info(pkt []byte) (packetInfo, bool) {
	if len(pkt) < ipv6HeaderLen {
		return packetInfo{}, false
	}
	nextHeader := pkt[6]
	src, srcOk := netip.AddrFromSlice(pkt[8:24])
	dst, dstOk := netip.AddrFromSlice(pkt[24:40])
	if !srcOk || !dstOk {
		return packetInfo{}, false
	}
	info := packetInfo{src: src, dst: dst, l4Offset: ipv6HeaderLen}
	switch nextHeader {
	case ipProtoTCP:
		info.proto = resource.ProtoTCP
	case ipProtoUDP:
		info.proto = resource.ProtoUDP
	case ipProtoICMPv6:
		info.proto = resource.ProtoICMP
	default:
		return packetInfo{}, false
	}
	fillPorts(&info, pkt)
	return info, true
}

func fillPorts(info *packetInfo, pkt []byte) {
	if info.proto == resource.ProtoICMP {
		return
	}
	if len(pkt) < info.l4Offset+4 {
		return
	}
	info.srcPort = binary.BigEndian.Uint16(pkt[info.l4Offset : info.l4Offset+2])
	info.dstPort = binary.BigEndian.Uint16(pkt[info.l4Offset+2 : info.l4Offset+4])
}

// buildUDPPacket synthesizes a complete IPv4 or IPv6 packet carrying a UDP
// datagram, used only to hand a DNS stub resolver's synthesized answer back
// to the OS over the TUN device. Every other packet this client touches is
// forwarded unmodified, so this is the one place it needs to produce
// wire bytes rather than just parse them.
func buildUDPPacket(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	if src.Is4() {
		return buildIPv4UDP(src, dst, srcPort, dstPort, payload)
	}
	return buildIPv6UDP(src, dst, srcPort, dstPort, payload)
}

func buildIPv4UDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	totalLen := 20 + udpLen
	pkt := make([]byte, totalLen)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	pkt[8] = 64 // TTL
	pkt[9] = ipProtoUDP
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	binary.BigEndian.PutUint16(pkt[10:12], ipv4HeaderChecksum(pkt[:20]))

	udp := pkt[20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(src, dst, udp))

	return pkt
}

func buildIPv6UDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	pkt := make([]byte, ipv6HeaderLen+udpLen)

	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], uint16(udpLen))
	pkt[6] = ipProtoUDP
	pkt[7] = 64 // hop limit
	copy(pkt[8:24], src.AsSlice())
	copy(pkt[24:40], dst.AsSlice())

	udp := pkt[ipv6HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(src, dst, udp))

	return pkt
}

func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 {
			continue // checksum field itself reads as zero
		}
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// udpChecksum computes the UDP checksum over the IPv4 or IPv6 pseudo-header
// (address family doesn't matter beyond address width: both lay out as
// src, dst, length, zero-padded protocol) plus the UDP header and payload,
// with the checksum field itself read as zero.
func udpChecksum(src, dst netip.Addr, udp []byte) uint16 {
	var sum uint32
	addWords := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	addWords(src.AsSlice())
	addWords(dst.AsSlice())
	sum += uint32(len(udp))
	sum += uint32(ipProtoUDP)

	for i := 0; i+1 < len(udp); i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xFFFF
	}
	return cs
}
