package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/riftgate/internal/gatewaynat"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/noisecrypto"
)

// simulatedGateway stands in for a real gateway in tests that need one: it
// completes the responder side of a noise handshake and records a
// gatewaynat.Table entry for each packet it receives, without any actual
// network I/O. Grounded on internal/gatewaynat/table_test.go's use
// of Table directly against synthetic packets.
type simulatedGateway struct {
	staticPriv identity.Key
	staticPub  identity.Key

	session *noisecrypto.Session
	nat     *gatewaynat.Table
}

// newSimulatedGateway builds a responder sharing staticPriv with whatever
// gateway public key the client was told about (e.g. via a
// portal.FlowCreatedMessage): the handshake only completes if the two
// sides agree on that keypair.
func newSimulatedGateway(t *testing.T, staticPriv identity.Key) *simulatedGateway {
	t.Helper()
	return &simulatedGateway{
		staticPriv: staticPriv,
		staticPub:  identity.PublicKey(staticPriv),
		nat:        gatewaynat.New(),
	}
}

// completeHandshake opens a captured client initiation and returns the
// response the client's HandleGatewayDatagram should be fed next.
func (g *simulatedGateway) completeHandshake(t *testing.T, initWire []byte, now time.Time) []byte {
	t.Helper()
	initMsg, err := noisecrypto.UnmarshalInitiation(initWire)
	if err != nil {
		t.Fatalf("unmarshaling initiation: %v", err)
	}
	clientStatic, hs, err := noisecrypto.OpenInitiation(g.staticPriv, g.staticPub, initMsg)
	if err != nil {
		t.Fatalf("opening initiation: %v", err)
	}
	g.session = noisecrypto.NewSession(1, clientStatic, [32]byte{})
	resp, err := g.session.CompleteFromInitiation(hs, g.staticPriv, initMsg.SenderIndex, now)
	if err != nil {
		t.Fatalf("completing handshake: %v", err)
	}
	return noisecrypto.MarshalResponse(resp)
}

// receive decrypts one transport datagram from the client, records a NAT
// entry in g.nat mapping the packet's destination onto resourceAddr, and
// returns the decrypted packet unchanged (its destination is not
// rewritten).
func (g *simulatedGateway) receive(t *testing.T, wire []byte, resourceAddr netip.Addr, now time.Time) []byte {
	t.Helper()
	dm, err := noisecrypto.UnmarshalData(wire)
	if err != nil {
		t.Fatalf("unmarshaling data message: %v", err)
	}
	pt, err := g.session.DecryptTransport(dm.Counter, dm.Ciphertext, now)
	if err != nil {
		t.Fatalf("decrypting client payload: %v", err)
	}

	info, ok := parsePacketInfo(pt)
	if !ok {
		t.Fatalf("simulated gateway received unparsable packet")
	}
	proto := gatewaynat.Protocol{Transport: gatewaynat.TransportUDP, Value: info.dstPort}
	_, _, err = g.nat.TranslateOutgoing(proto, info.dst, resourceAddr, false, false, now)
	if err != nil {
		t.Fatalf("translating outgoing packet: %v", err)
	}
	return pt
}

// reply encrypts pkt for the client as given; the caller builds it already
// addressed from the resource to the client, and g.nat is not consulted.
func (g *simulatedGateway) reply(t *testing.T, pkt []byte, now time.Time) []byte {
	t.Helper()
	ct, counter, err := g.session.EncryptTransport(pkt, now)
	if err != nil {
		t.Fatalf("encrypting gateway reply: %v", err)
	}
	return noisecrypto.MarshalData(&noisecrypto.DataMessage{
		ReceiverIndex: g.session.RemoteIndex,
		Counter:       counter,
		Ciphertext:    ct,
	})
}
