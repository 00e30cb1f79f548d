package registry

import (
	"testing"
	"time"

	"github.com/kuuji/riftgate/internal/identity"
)

func newTestConnection() Connection {
	priv, _ := identity.GeneratePrivateKey()
	return Connection{
		PeerID:       identity.NewPeerID(),
		SessionIndex: 42,
		PublicKey:    identity.PublicKey(priv),
	}
}

func TestInsertAndLookupAllThreeIndexes(t *testing.T) {
	t.Parallel()

	r := New()
	c := newTestConnection()
	r.Insert(c)

	now := time.Now()
	if got, err := r.ByPeerID(c.PeerID, now); err != nil || got != c {
		t.Fatalf("ByPeerID() = %+v, %v; want %+v, nil", got, err, c)
	}
	if got, err := r.BySessionIndex(c.SessionIndex, now); err != nil || got != c {
		t.Fatalf("BySessionIndex() = %+v, %v; want %+v, nil", got, err, c)
	}
	if got, err := r.ByPublicKey(c.PublicKey, now); err != nil || got != c {
		t.Fatalf("ByPublicKey() = %+v, %v; want %+v, nil", got, err, c)
	}
}

func TestRemoveClearsAllThreeLiveIndexes(t *testing.T) {
	t.Parallel()

	r := New()
	c := newTestConnection()
	r.Insert(c)
	now := time.Now()
	r.Remove(c.PeerID, now)

	if _, err := r.ByPeerID(c.PeerID, now); err == nil {
		t.Fatal("expected error looking up removed peer id")
	}
	if _, err := r.BySessionIndex(c.SessionIndex, now); err == nil {
		t.Fatal("expected error looking up removed session index")
	}
	if _, err := r.ByPublicKey(c.PublicKey, now); err == nil {
		t.Fatal("expected error looking up removed public key")
	}
}

func TestRemoveMarksRecentlyDisconnected(t *testing.T) {
	t.Parallel()

	r := New()
	c := newTestConnection()
	r.Insert(c)
	now := time.Now()
	r.Remove(c.PeerID, now)

	_, err := r.ByPeerID(c.PeerID, now.Add(time.Second))
	ucErr, ok := err.(*UnknownConnectionError)
	if !ok {
		t.Fatalf("error type = %T, want *UnknownConnectionError", err)
	}
	if !ucErr.RecentlyDisconnected {
		t.Fatal("expected RecentlyDisconnected = true shortly after removal")
	}

	_, err = r.ByPeerID(c.PeerID, now.Add(recentlyDisconnectedTTL+time.Second))
	ucErr, ok = err.(*UnknownConnectionError)
	if !ok {
		t.Fatalf("error type = %T, want *UnknownConnectionError", err)
	}
	if ucErr.RecentlyDisconnected {
		t.Fatal("expected RecentlyDisconnected = false once the TTL elapses")
	}
}

func TestInsertReplacesStaleSessionAndPubkeyMappings(t *testing.T) {
	t.Parallel()

	r := New()
	c1 := newTestConnection()
	r.Insert(c1)

	c2 := c1
	c2.SessionIndex = 99
	priv, _ := identity.GeneratePrivateKey()
	c2.PublicKey = identity.PublicKey(priv)
	r.Insert(c2)

	now := time.Now()
	if _, err := r.BySessionIndex(c1.SessionIndex, now); err == nil {
		t.Fatal("expected old session index to no longer resolve after reinsert")
	}
	if _, err := r.BySessionIndex(c2.SessionIndex, now); err != nil {
		t.Fatalf("BySessionIndex(new): %v", err)
	}
}

func TestAllPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	r := New()
	var ids []identity.PeerID
	for i := 0; i < 5; i++ {
		c := newTestConnection()
		ids = append(ids, c.PeerID)
		r.Insert(c)
	}

	// Remove the middle one and confirm the remaining order still reflects
	// insertion order (not an arbitrary map-iteration order).
	r.Remove(ids[2], time.Now())
	ids = append(ids[:2], ids[3:]...)

	got := r.All()
	if len(got) != len(ids) {
		t.Fatalf("All() len = %d, want %d", len(got), len(ids))
	}
	for i, c := range got {
		if c.PeerID != ids[i] {
			t.Fatalf("All()[%d].PeerID = %v, want %v", i, c.PeerID, ids[i])
		}
	}
}

func TestSweepExpiresOldRecentlyDisconnectedEntries(t *testing.T) {
	t.Parallel()

	r := New()
	c := newTestConnection()
	r.Insert(c)
	now := time.Now()
	r.Remove(c.PeerID, now)

	r.Sweep(now.Add(recentlyDisconnectedTTL + time.Second))

	if len(r.recentPeer) != 0 || len(r.recentSession) != 0 || len(r.recentPubkey) != 0 {
		t.Fatal("expected Sweep to clear all expired recently-disconnected entries")
	}
}
