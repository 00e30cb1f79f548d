package noisecrypto

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// handshakeRateLimit is the process-wide handshake-initiation budget: 100
// handshakes per second.
const handshakeRateLimit = 100

// resetInterval is how often the token bucket is topped back up to its
// burst size rather than left to refill smoothly.
const resetInterval = time.Second

// RateLimiter is a single process-wide token bucket shared by every peer's
// noise session, used to drop handshake-initiation floods before the
// (expensive) handshake crypto runs.
//
// A per-source-address sub-limiter is layered on top of the global bucket
// so a single flooding address cannot exhaust the budget for every other
// peer trying to handshake concurrently.
type RateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	perAddr map[netip.Addr]*rate.Limiter
}

// NewRateLimiter constructs the shared limiter. The limiter keeps no timer
// of its own: the periodic reset happens when its owner calls Reset
// (core.Core does so from HandleTimeout).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(handshakeRateLimit, handshakeRateLimit),
		perAddr: make(map[netip.Addr]*rate.Limiter),
	}
}

// VerifyPacket reports whether a handshake-initiation datagram from src
// should be allowed through to the (expensive) decrypt path. Must be called
// before any packet that looks like a handshake initiation or response is
// opened.
func (r *RateLimiter) VerifyPacket(src netip.Addr) bool {
	if !r.global.Allow() {
		return false
	}
	return r.perAddrLimiter(src).Allow()
}

func (r *RateLimiter) perAddrLimiter(src netip.Addr) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.perAddr[src]
	if !ok {
		// A generous per-address allowance: the global bucket is the real
		// backstop, this just keeps one noisy address from starving others.
		l = rate.NewLimiter(rate.Limit(20), 20)
		r.perAddr[src] = l
	}
	return l
}

// Reset tops the global bucket back up to full and discards all per-address
// state, as if the process had just started. core.Core calls it from
// HandleTimeout.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = rate.NewLimiter(handshakeRateLimit, handshakeRateLimit)
	r.perAddr = make(map[netip.Addr]*rate.Limiter)
}
