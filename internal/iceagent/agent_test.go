package iceagent

import (
	"context"
	"testing"
	"time"

	"github.com/kuuji/riftgate/internal/identity"
)

// relayCandidates forwards every local candidate and the gathering-done
// signal from one agent's event queue into the peer's AddRemoteCandidate,
// the way the portal's signaling relay would.
func relayCandidates(t *testing.T, from, to *Agent, done chan<- struct{}) {
	t.Helper()
	go func() {
		gatheringDone := false
		for !gatheringDone {
			e, ok := from.PollEvent()
			if !ok {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			switch e.Kind {
			case EventLocalCandidate:
				if err := to.AddRemoteCandidate(e.Candidate); err != nil {
					t.Errorf("AddRemoteCandidate: %v", err)
				}
			case EventGatheringDone:
				gatheringDone = true
			}
		}
		close(done)
	}()
}

// TestAgentsConnectOverLoopback verifies that two Agents using only host
// candidates (no STUN/TURN configured) can complete connectivity checks and
// exchange data, the same bar the teacher's webrtc.Peer test clears.
func TestAgentsConnectOverLoopback(t *testing.T) {
	t.Parallel()

	controlling, err := New(Config{PeerID: identity.NewPeerID(), Controlling: true})
	if err != nil {
		t.Fatalf("New(controlling): %v", err)
	}
	defer controlling.Close()

	controlled, err := New(Config{PeerID: identity.NewPeerID(), Controlling: false})
	if err != nil {
		t.Fatalf("New(controlled): %v", err)
	}
	defer controlled.Close()

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	relayCandidates(t, controlling, controlled, doneA)
	relayCandidates(t, controlled, controlling, doneB)

	credsA, err := controlling.LocalCredentials()
	if err != nil {
		t.Fatalf("LocalCredentials(controlling): %v", err)
	}
	credsB, err := controlled.LocalCredentials()
	if err != nil {
		t.Fatalf("LocalCredentials(controlled): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	controlling.Connect(ctx, credsB)
	controlled.Connect(ctx, credsA)

	<-doneA
	<-doneB

	deadline := time.Now().Add(10 * time.Second)
	for controlling.State() != StateConnected || controlled.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("agents did not connect in time: controlling=%v controlled=%v", controlling.State(), controlled.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	connA, err := controlling.Conn()
	if err != nil {
		t.Fatalf("Conn(controlling): %v", err)
	}
	connB, err := controlled.Conn()
	if err != nil {
		t.Fatalf("Conn(controlled): %v", err)
	}

	payload := []byte("hello over ice")
	if _, err := connA.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(payload))
	connB.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := connB.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("Read() = %q, want %q", buf, payload)
	}
}

func TestAddRemoteCandidateDedupsAcrossRestart(t *testing.T) {
	t.Parallel()

	a, err := New(Config{PeerID: identity.NewPeerID(), Controlling: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	const cand = "candidate:1 1 udp 2130706431 127.0.0.1 12345 typ host"
	if err := a.AddRemoteCandidate(cand); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if err := a.AddRemoteCandidate(cand); err != nil {
		t.Fatalf("AddRemoteCandidate (dup): %v", err)
	}
	if len(a.seenCandidates) != 1 {
		t.Fatalf("seenCandidates len = %d, want 1", len(a.seenCandidates))
	}

	if _, err := a.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(a.seenCandidates) != 0 {
		t.Fatalf("seenCandidates after Restart len = %d, want 0", len(a.seenCandidates))
	}
}
