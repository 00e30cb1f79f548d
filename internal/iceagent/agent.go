// Package iceagent wraps a single pion/ice.Agent per peer connection,
// giving the rest of the tunnel core a small, poll-friendly surface:
// gather candidates, exchange credentials/candidates out of band (over the
// portal), dial or accept, and drain connectivity events without blocking.
package iceagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/ice/v4"

	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/pionlog"
)

// State mirrors the connectivity lifecline a peer's ICE agent moves
// through, collapsed from pion's richer ConnectionState enum into the
// states the rest of the core cares about.
type State int

const (
	StateNew State = iota
	StateGathering
	StateConnecting
	StateConnected
	StateIdle // connected once, currently no selected pair (e.g. a brief network blip)
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGathering:
		return "gathering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Credentials is an ICE ufrag/password pair, exchanged over the portal
// alongside gathered candidates.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// EventKind discriminates the union type carried by Event.
type EventKind int

const (
	EventLocalCandidate EventKind = iota
	EventGatheringDone
	EventStateChanged
	EventSelectedPairChanged
)

// Event is one item drained from an Agent's event queue by PollEvent. Only
// the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	Candidate string // EventLocalCandidate
	State     State  // EventStateChanged
}

// Config configures a new per-peer Agent.
type Config struct {
	PeerID      identity.PeerID
	Controlling bool
	STUNURLs    []string
	TURNURLs    []string
	TURNUser    string
	TURNPass    string
	Logger      *slog.Logger
}

// Agent drives connectivity establishment for exactly one peer. It is safe
// to call its methods from the single cooperative task that owns the rest
// of the core; pion/ice itself runs background goroutines for packet I/O,
// which this type bridges back into a pollable event queue rather than
// exposing callbacks directly.
type Agent struct {
	peerID      identity.PeerID
	controlling bool
	log         *slog.Logger

	inner *ice.Agent

	mu             sync.Mutex
	state          State
	seenCandidates map[string]struct{}
	conn           net.Conn

	events chan Event
}

var ErrNotConnected = errors.New("iceagent: no established connection")

// New creates an Agent and starts candidate gathering in the background.
// Gathered candidates and the gathering-complete signal arrive as Events
// from PollEvent.
func New(cfg Config) (*Agent, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "iceagent", "peer_id", cfg.PeerID.String())

	var urls []*ice.URL
	for _, raw := range cfg.STUNURLs {
		u, err := ice.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing stun url %q: %w", raw, err)
		}
		urls = append(urls, u)
	}
	for _, raw := range cfg.TURNURLs {
		u, err := ice.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing turn url %q: %w", raw, err)
		}
		u.Username = cfg.TURNUser
		u.Password = cfg.TURNPass
		urls = append(urls, u)
	}

	inner, err := ice.NewAgent(&ice.AgentConfig{
		Urls:          urls,
		NetworkTypes:  []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		LoggerFactory: pionlog.NewFactory(log),
	})
	if err != nil {
		return nil, fmt.Errorf("creating ice agent: %w", err)
	}

	a := &Agent{
		peerID:         cfg.PeerID,
		controlling:    cfg.Controlling,
		log:            log,
		inner:          inner,
		state:          StateNew,
		seenCandidates: make(map[string]struct{}),
		events:         make(chan Event, 64),
	}

	if err := inner.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			a.pushEvent(Event{Kind: EventGatheringDone})
			return
		}
		a.pushEvent(Event{Kind: EventLocalCandidate, Candidate: c.Marshal()})
	}); err != nil {
		return nil, fmt.Errorf("registering candidate callback: %w", err)
	}

	if err := inner.OnConnectionStateChange(func(s ice.ConnectionState) {
		a.setState(mapConnectionState(s))
	}); err != nil {
		return nil, fmt.Errorf("registering state callback: %w", err)
	}

	if err := inner.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) {
		a.log.Debug("selected pair changed", "local", local.String(), "remote", remote.String())
		a.pushEvent(Event{Kind: EventSelectedPairChanged})
	}); err != nil {
		return nil, fmt.Errorf("registering selected-pair callback: %w", err)
	}

	a.setState(StateGathering)
	if err := inner.GatherCandidates(); err != nil {
		return nil, fmt.Errorf("starting candidate gathering: %w", err)
	}

	return a, nil
}

func (a *Agent) pushEvent(e Event) {
	select {
	case a.events <- e:
	default:
		a.log.Warn("event queue full, dropping event", "kind", e.Kind)
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.mu.Unlock()
	if changed {
		a.pushEvent(Event{Kind: EventStateChanged, State: s})
	}
}

// State reports the agent's current connectivity state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LocalCredentials returns this side's ufrag/password, to be sent to the
// remote peer over the portal.
func (a *Agent) LocalCredentials() (Credentials, error) {
	ufrag, pwd, err := a.inner.GetLocalUserCredentials()
	if err != nil {
		return Credentials{}, fmt.Errorf("getting local credentials: %w", err)
	}
	return Credentials{Ufrag: ufrag, Pwd: pwd}, nil
}

// AddRemoteCandidate adds one remote candidate, ignoring a candidate string
// already added in the current ICE generation. Restart clears that record,
// so a candidate resent after a restart is added again.
func (a *Agent) AddRemoteCandidate(raw string) error {
	a.mu.Lock()
	if _, dup := a.seenCandidates[raw]; dup {
		a.mu.Unlock()
		return nil
	}
	a.seenCandidates[raw] = struct{}{}
	a.mu.Unlock()

	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return fmt.Errorf("parsing remote candidate %q: %w", raw, err)
	}
	if err := a.inner.AddRemoteCandidate(c); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

// Connect starts the connectivity-check phase against the remote
// credentials, dialing (controlling side) or accepting (controlled side).
// It runs pion's blocking Dial/Accept on a background goroutine and
// reports completion via PollEvent; Connect itself returns immediately.
func (a *Agent) Connect(ctx context.Context, remote Credentials) {
	a.setState(StateConnecting)
	go func() {
		var (
			conn net.Conn
			err  error
		)
		if a.controlling {
			conn, err = a.inner.Dial(ctx, remote.Ufrag, remote.Pwd)
		} else {
			conn, err = a.inner.Accept(ctx, remote.Ufrag, remote.Pwd)
		}
		if err != nil {
			a.log.Warn("ice connect failed", "error", err)
			a.setState(StateFailed)
			return
		}
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.setState(StateConnected)
	}()
}

// Conn returns the established net.Conn, or ErrNotConnected before the
// connectivity checks finish.
func (a *Agent) Conn() (net.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, ErrNotConnected
	}
	return a.conn, nil
}

// Restart begins a new ICE generation: new local credentials are
// allocated, candidate dedup state is cleared so candidates from the new
// generation aren't mistaken for repeats of the old one, and gathering
// starts again. The caller must exchange the new credentials and
// candidates with the remote peer exactly as during initial connection
// establishment.
func (a *Agent) Restart() (Credentials, error) {
	// Empty strings tell pion to generate a fresh random ufrag/password
	// rather than reusing the prior generation's.
	if err := a.inner.Restart("", ""); err != nil {
		return Credentials{}, fmt.Errorf("restarting ice agent: %w", err)
	}

	a.mu.Lock()
	a.seenCandidates = make(map[string]struct{})
	a.conn = nil
	a.mu.Unlock()

	a.setState(StateGathering)
	if err := a.inner.GatherCandidates(); err != nil {
		return Credentials{}, fmt.Errorf("restarting candidate gathering: %w", err)
	}
	return a.LocalCredentials()
}

// PollEvent drains one pending event, if any, without blocking.
func (a *Agent) PollEvent() (Event, bool) {
	select {
	case e := <-a.events:
		return e, true
	default:
		return Event{}, false
	}
}

// Close tears down the underlying ICE agent and any established connection.
func (a *Agent) Close() error {
	a.setState(StateClosed)
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return a.inner.Close()
}

func mapConnectionState(s ice.ConnectionState) State {
	switch s {
	case ice.ConnectionStateNew, ice.ConnectionStateChecking:
		return StateConnecting
	case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
		return StateConnected
	case ice.ConnectionStateDisconnected:
		return StateIdle
	case ice.ConnectionStateFailed:
		return StateFailed
	case ice.ConnectionStateClosed:
		return StateClosed
	default:
		return StateConnecting
	}
}
