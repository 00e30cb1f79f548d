package core

import (
	"fmt"
	"time"

	"github.com/kuuji/riftgate/internal/eventloop"
	"github.com/kuuji/riftgate/internal/iceagent"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/noisecrypto"
	"github.com/kuuji/riftgate/internal/portal"
	"github.com/kuuji/riftgate/internal/registry"
	"github.com/kuuji/riftgate/internal/turnalloc"
)

// Transmit is one ciphertext datagram the runtime must send to the gateway
// over the connection that gateway's ICE agent established: the core never
// writes to that connection itself.
type Transmit struct {
	GatewayID identity.PeerID
	Data      []byte
}

// turnCredentials are the ephemeral coturn REST-API credentials this core
// minted locally for one gateway's relay allocation, per
// internal/turnalloc's shared-secret scheme.
type turnCredentials struct {
	username  string
	password  string
	expiresAt time.Time
}

// gatewayConn bundles everything this core tracks about one authorized
// gateway connection: its ICE agent, its noise transport session, the
// resources it's allowed to carry traffic for, and outbound packets
// buffered until the handshake completes.
type gatewayConn struct {
	peerID    identity.PeerID
	publicKey identity.Key
	siteID    identity.SiteID

	resourceIDs map[identity.ResourceID]struct{}

	relay     identity.RelayID
	turnCreds turnCredentials

	ice     *iceagent.Agent
	session *noisecrypto.Session

	preHandshake *packetBuffer

	warnedNoSession bool
}

func (c *Core) relayURLs() []string {
	urls := make([]string, 0, len(c.relays))
	for _, r := range c.relays {
		urls = append(urls, "turn:"+r.Addr)
	}
	return urls
}

// addGateway creates ICE and noise state for a newly flow-authorized
// gateway. The caller is responsible for starting the ICE connect handshake
// once both sides' credentials are known.
func (c *Core) addGateway(msg *portal.FlowCreatedMessage) (*gatewayConn, error) {
	username, password, expiresAt := turnalloc.GenerateCredentials(c.turnSecret, msg.GatewayID.String(), c.turnLifetime)

	agent, err := iceagent.New(iceagent.Config{
		PeerID:      msg.GatewayID,
		Controlling: true,
		TURNURLs:    c.relayURLs(),
		TURNUser:    username,
		TURNPass:    password,
		Logger:      c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ice agent for gateway %s: %w", msg.GatewayID, err)
	}

	psk := [32]byte(msg.PresharedKey)
	session := noisecrypto.NewSession(c.allocSessionIndex(), msg.GatewayPublicKey, psk)

	gw := &gatewayConn{
		peerID:       msg.GatewayID,
		publicKey:    msg.GatewayPublicKey,
		siteID:       msg.SiteID,
		resourceIDs:  map[identity.ResourceID]struct{}{msg.ResourceID: {}},
		ice:          agent,
		session:      session,
		turnCreds:    turnCredentials{username: username, password: password, expiresAt: expiresAt},
		preHandshake: newPacketBuffer(preHandshakeBufferShift),
	}
	for id := range c.relays {
		gw.relay = id
		break
	}
	c.gateways[msg.GatewayID] = gw
	c.registry.Insert(registry.Connection{
		PeerID:       gw.peerID,
		SessionIndex: session.LocalIndex,
		PublicKey:    gw.publicKey,
	})
	return gw, nil
}

// removeGateway tears down every resource tied to one gateway connection:
// its ICE agent, its registry entry, and any DNS-resource NAT state routed
// through it.
func (c *Core) removeGateway(id identity.PeerID, now time.Time, reason string) {
	gw, ok := c.gateways[id]
	if !ok {
		return
	}
	if err := gw.ice.Close(); err != nil {
		c.log.Debug("closing ice agent", "gateway_id", id.String(), "error", err)
	}
	delete(c.gateways, id)
	delete(c.warnedNoAlloc, id)
	c.registry.Remove(id, now)
	c.dnsNAT.ClearByGateway(id)
	c.pushEvent(eventloop.TunnelEvent{Kind: eventloop.EventConnectionFailed, GatewayID: id})
	c.log.Info("gateway connection torn down", "gateway_id", id.String(), "reason", reason)
}

// sendToGateway encrypts and frames a plaintext payload for gw, queuing it
// for transmission. If the session isn't established yet (handshake still
// in flight, or not yet started — that's driven by the timer loop in
// poll.go), the payload is buffered instead and replayed once the session
// comes up.
func (c *Core) sendToGateway(gw *gatewayConn, plaintext []byte, now time.Time) {
	ct, counter, err := gw.session.EncryptTransport(plaintext, now)
	if err != nil {
		gw.preHandshake.push(plaintext)
		return
	}
	wire := noisecrypto.MarshalData(&noisecrypto.DataMessage{
		ReceiverIndex: gw.session.RemoteIndex,
		Counter:       counter,
		Ciphertext:    ct,
	})
	c.pendingTx = append(c.pendingTx, Transmit{GatewayID: gw.peerID, Data: wire})
}

// flushPreHandshake replays everything buffered while gw's session wasn't
// established yet, now that it is.
func (c *Core) flushPreHandshake(gw *gatewayConn, now time.Time) {
	for _, pkt := range gw.preHandshake.drain() {
		c.sendToGateway(gw, pkt, now)
	}
}
