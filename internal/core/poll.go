package core

import (
	"time"

	"github.com/kuuji/riftgate/internal/noisecrypto"
)

// rateLimiterResetInterval mirrors the reset cadence internal/noisecrypto's
// RateLimiter documents for itself: once a second is enough to bound memory
// without letting a source's bucket grow stale.
const rateLimiterResetInterval = time.Second

// PollTransmit returns the next ciphertext datagram the runtime should hand
// to the net.Conn for its GatewayID, if any are queued.
func (c *Core) PollTransmit() (Transmit, bool) {
	if len(c.pendingTx) == 0 {
		return Transmit{}, false
	}
	tx := c.pendingTx[0]
	c.pendingTx = c.pendingTx[1:]
	return tx, true
}

// PollTunWrite returns the next decrypted packet the runtime should write to
// the TUN device, if any are queued.
func (c *Core) PollTunWrite() ([]byte, bool) {
	if len(c.pendingTun) == 0 {
		return nil, false
	}
	pkt := c.pendingTun[0]
	c.pendingTun = c.pendingTun[1:]
	return pkt, true
}

// PollTimeout reports how long the runtime may wait before it must call
// HandleTimeout again. Sessions don't expose their next deadline directly
// (only what UpdateTimers decides at a given instant), so the runtime is
// driven at a fixed cadence fine enough to catch every timer this package
// defines — the rate limiter's own reset interval is the tightest one and
// doubles as the polling granularity when any gateway is live.
func (c *Core) PollTimeout() time.Duration {
	if len(c.gateways) == 0 {
		return 30 * time.Second
	}
	return rateLimiterResetInterval
}

// HandleTimeout runs the periodic, poll-driven half of the tunnel: per-
// session handshake/rekey/keepalive timers and the rate limiter's bucket
// reset. now must be monotonically non-decreasing across calls.
func (c *Core) HandleTimeout(now time.Time) {
	c.rateLimiter.Reset()
	c.registry.Sweep(now)

	for id, gw := range c.gateways {
		switch gw.session.UpdateTimers(now) {
		case noisecrypto.ActionSendHandshake:
			c.sendHandshake(gw, now)
		case noisecrypto.ActionSendKeepalive:
			c.sendToGateway(gw, nil, now)
		case noisecrypto.ActionDropSession:
			c.removeGateway(id, now, "session expired")
		}
	}
}

// sendHandshake produces and queues a handshake initiation for gw, logging
// rather than failing the timer loop if key derivation somehow errors (the
// next timer tick will simply try again).
func (c *Core) sendHandshake(gw *gatewayConn, now time.Time) {
	msg, err := gw.session.InitiateHandshake(c.localPriv, c.localPub, now)
	if err != nil {
		c.log.Warn("initiating handshake", "gateway_id", gw.peerID.String(), "error", err)
		return
	}
	c.pendingTx = append(c.pendingTx, Transmit{
		GatewayID: gw.peerID,
		Data:      noisecrypto.MarshalInitiation(msg),
	})
}
