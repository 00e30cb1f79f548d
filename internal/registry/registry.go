// Package registry tracks the live set of peer connections, indexed three
// ways (by peer id, by noise session index, by static public key) so any
// subsystem that only has one of those three can find the others without
// its own lookup table.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/kuuji/riftgate/internal/identity"
)

// recentlyDisconnectedTTL is how long a removed connection's keys are
// remembered, so a stray packet arriving just after teardown gets a
// specific "recently disconnected" diagnosis instead of a bare unknown-peer
// error.
const recentlyDisconnectedTTL = 5 * time.Second

// Connection is one established peer's addressing information.
type Connection struct {
	PeerID       identity.PeerID
	SessionIndex uint32
	PublicKey    identity.Key
}

// UnknownConnectionError is returned by the By* lookups when a key has no
// live connection. RecentlyDisconnected distinguishes "never existed" (or
// long gone) from "torn down a moment ago", which callers use to choose
// between logging at warn level and silently dropping the packet.
type UnknownConnectionError struct {
	Key                  string
	RecentlyDisconnected bool
}

func (e *UnknownConnectionError) Error() string {
	if e.RecentlyDisconnected {
		return fmt.Sprintf("registry: %s: no such connection (recently disconnected)", e.Key)
	}
	return fmt.Sprintf("registry: %s: no such connection", e.Key)
}

// Registry is the live connection table. All methods are safe for
// concurrent use.
type Registry struct {
	mu sync.Mutex

	byPeer    map[identity.PeerID]*Connection
	bySession map[uint32]*Connection
	byPubkey  map[identity.Key]*Connection

	// order preserves insertion order for All(), so iteration is stable and
	// doesn't reshuffle every time an unrelated connection is removed.
	order []identity.PeerID
	index map[identity.PeerID]int // position of each id within order

	recentPeer    map[identity.PeerID]time.Time
	recentSession map[uint32]time.Time
	recentPubkey  map[identity.Key]time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byPeer:        make(map[identity.PeerID]*Connection),
		bySession:     make(map[uint32]*Connection),
		byPubkey:      make(map[identity.Key]*Connection),
		index:         make(map[identity.PeerID]int),
		recentPeer:    make(map[identity.PeerID]time.Time),
		recentSession: make(map[uint32]time.Time),
		recentPubkey:  make(map[identity.Key]time.Time),
	}
}

// Insert adds or replaces a connection. Replacing an existing entry for the
// same peer id removes its old session-index and pubkey mappings first (a
// peer reconnecting under a new session index must not leave the old index
// pointing at the same Connection).
func (r *Registry) Insert(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byPeer[c.PeerID]; ok {
		delete(r.bySession, old.SessionIndex)
		delete(r.byPubkey, old.PublicKey)
	} else {
		r.index[c.PeerID] = len(r.order)
		r.order = append(r.order, c.PeerID)
	}

	cc := c
	r.byPeer[c.PeerID] = &cc
	r.bySession[c.SessionIndex] = &cc
	r.byPubkey[c.PublicKey] = &cc

	delete(r.recentPeer, c.PeerID)
	delete(r.recentSession, c.SessionIndex)
	delete(r.recentPubkey, c.PublicKey)
}

// Remove tears down a connection by peer id, clearing all three live
// indexes and seeding all three recently-disconnected maps so a packet
// arriving moments later gets an informative error instead of a bare
// "unknown".
func (r *Registry) Remove(id identity.PeerID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byPeer[id]
	if !ok {
		return
	}
	delete(r.byPeer, id)
	delete(r.bySession, c.SessionIndex)
	delete(r.byPubkey, c.PublicKey)

	r.recentPeer[id] = now
	r.recentSession[c.SessionIndex] = now
	r.recentPubkey[c.PublicKey] = now

	if pos, ok := r.index[id]; ok {
		r.order = append(r.order[:pos], r.order[pos+1:]...)
		for i := pos; i < len(r.order); i++ {
			r.index[r.order[i]] = i
		}
		delete(r.index, id)
	}
}

// ByPeerID looks up a connection by peer id.
func (r *Registry) ByPeerID(id identity.PeerID, now time.Time) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byPeer[id]; ok {
		return *c, nil
	}
	_, recent := r.recentPeer[id]
	return Connection{}, &UnknownConnectionError{Key: id.String(), RecentlyDisconnected: recent && r.withinTTL(r.recentPeer[id], now)}
}

// BySessionIndex looks up a connection by its noise session index.
func (r *Registry) BySessionIndex(idx uint32, now time.Time) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.bySession[idx]; ok {
		return *c, nil
	}
	ts, recent := r.recentSession[idx]
	return Connection{}, &UnknownConnectionError{Key: fmt.Sprintf("session %d", idx), RecentlyDisconnected: recent && r.withinTTL(ts, now)}
}

// ByPublicKey looks up a connection by static public key.
func (r *Registry) ByPublicKey(k identity.Key, now time.Time) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byPubkey[k]; ok {
		return *c, nil
	}
	ts, recent := r.recentPubkey[k]
	return Connection{}, &UnknownConnectionError{Key: k.String(), RecentlyDisconnected: recent && r.withinTTL(ts, now)}
}

func (r *Registry) withinTTL(ts time.Time, now time.Time) bool {
	return !ts.IsZero() && now.Sub(ts) < recentlyDisconnectedTTL
}

// All returns every live connection in insertion order. The returned slice
// is a snapshot; mutating the registry afterward does not affect it.
func (r *Registry) All() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byPeer[id])
	}
	return out
}

// Sweep discards recently-disconnected entries older than the TTL, so the
// three bookkeeping maps don't grow without bound across long uptimes with
// heavy peer churn.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ts := range r.recentPeer {
		if !r.withinTTL(ts, now) {
			delete(r.recentPeer, k)
		}
	}
	for k, ts := range r.recentSession {
		if !r.withinTTL(ts, now) {
			delete(r.recentSession, k)
		}
	}
	for k, ts := range r.recentPubkey {
		if !r.withinTTL(ts, now) {
			delete(r.recentPubkey, k)
		}
	}
}
