package gatewaynat

import (
	"encoding/binary"
	"testing"
)

// buildEmbeddedIPv4UDP constructs a minimal 20-byte IPv4 header (no
// options) over an 8-byte UDP header, as would appear embedded inside an
// ICMP destination-unreachable message.
func buildEmbeddedIPv4UDP(dst [4]byte, srcPort uint16) []byte {
	pkt := make([]byte, 20+8)
	pkt[0] = 0x45 // version 4, IHL 5 (20 bytes)
	pkt[9] = 17   // UDP
	copy(pkt[16:20], dst[:])
	binary.BigEndian.PutUint16(pkt[20:22], srcPort)
	return pkt
}

func TestParseEmbeddedFailureIPv4UDP(t *testing.T) {
	t.Parallel()

	pkt := buildEmbeddedIPv4UDP([4]byte{93, 184, 216, 34}, 54321)

	failure, err := ParseEmbeddedFailure(icmpv4DestUnreachable, pkt)
	if err != nil {
		t.Fatalf("ParseEmbeddedFailure: %v", err)
	}
	if failure.Proto.Transport != TransportUDP || failure.Proto.Value != 54321 {
		t.Fatalf("Proto = %+v, want udp/54321", failure.Proto)
	}
	if failure.DstAddr.String() != "93.184.216.34" {
		t.Fatalf("DstAddr = %v, want 93.184.216.34", failure.DstAddr)
	}
}

func TestParseEmbeddedFailureRejectsShortPacket(t *testing.T) {
	t.Parallel()

	_, err := ParseEmbeddedFailure(icmpv4DestUnreachable, []byte{0x45, 0x00, 0x00})
	if err == nil {
		t.Fatal("expected an error for a truncated embedded header")
	}
}

func TestParseEmbeddedFailureRejectsUnsupportedProtocol(t *testing.T) {
	t.Parallel()

	pkt := buildEmbeddedIPv4UDP([4]byte{93, 184, 216, 34}, 1)
	pkt[9] = 132 // SCTP, not handled

	_, err := ParseEmbeddedFailure(icmpv4DestUnreachable, pkt)
	if err == nil {
		t.Fatal("expected an error for an unsupported embedded protocol")
	}
}

func TestIsICMPError(t *testing.T) {
	t.Parallel()

	if !IsICMPError(false, icmpv4DestUnreachable) {
		t.Fatal("expected ICMPv4 dest-unreachable to be an error type")
	}
	if IsICMPError(false, 8) { // echo request
		t.Fatal("echo request should not be classified as an ICMP error")
	}
	if !IsICMPError(true, icmpv6TimeExceeded) {
		t.Fatal("expected ICMPv6 time-exceeded to be an error type")
	}
}
