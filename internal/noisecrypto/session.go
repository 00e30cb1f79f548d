package noisecrypto

import (
	"errors"
	"time"

	"github.com/kuuji/riftgate/internal/identity"
)

// Timer constants mirror WireGuard's own handshake/rekey schedule, since
// this package re-derives that protocol directly rather than wrapping an
// existing Device (see DESIGN.md).
const (
	rekeyAfterTime    = 120 * time.Second
	rejectAfterTime   = 180 * time.Second
	rekeyAttemptTime  = 90 * time.Second
	rekeyTimeout      = 5 * time.Second
	keepaliveTimeout  = 10 * time.Second
	rekeyAfterMsgs    = uint64(1) << 60
	rejectAfterMsgs   = ^uint64(0) - (uint64(1) << 13)
)

// SessionState tracks where a per-peer noise session sits in its
// handshake/established lifecycle.
type SessionState int

const (
	StateUninitiated SessionState = iota
	StateInitiationSent
	StateEstablished
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateUninitiated:
		return "uninitiated"
	case StateInitiationSent:
		return "initiation-sent"
	case StateEstablished:
		return "established"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionExpired is returned once a session's key has been alive long
	// enough (message count or wall-clock age) that using it further would
	// violate the protocol's reuse bounds; the caller must rehandshake under
	// a new session index.
	ErrSessionExpired = errors.New("noisecrypto: session key expired, rehandshake required")
	// ErrReplay is returned by DecryptTransport for a counter that has
	// already been seen (or one too old to track).
	ErrReplay = errors.New("noisecrypto: replayed or too-old transport counter")
)

// Action is what UpdateTimers wants the caller to do next.
type Action int

const (
	ActionNone Action = iota
	ActionSendHandshake
	ActionSendKeepalive
	ActionDropSession
)

// Session is one peer's noise transport: either mid-handshake or holding a
// pair of transport keys, plus the timers that decide when to rehandshake
// or send a keepalive. All methods assume single-threaded, non-reentrant
// access from the core's cooperative task, matching the rest of this
// module; there is no internal locking.
type Session struct {
	LocalIndex   uint32
	RemoteIndex  uint32
	RemoteStatic identity.Key
	PresharedKey [32]byte

	state SessionState

	sendKey, recvKey [hashSize]byte
	sendCounter      uint64
	recv             replayWindow

	pending *handshakeState

	establishedAt      time.Time
	handshakeStartedAt time.Time
	lastSentAt         time.Time
	lastRecvAt         time.Time
}

// NewSession creates a fresh, un-handshaken session for remoteStatic,
// identified locally by localIndex.
func NewSession(localIndex uint32, remoteStatic identity.Key, psk [32]byte) *Session {
	return &Session{
		LocalIndex:   localIndex,
		RemoteStatic: remoteStatic,
		PresharedKey: psk,
		state:        StateUninitiated,
	}
}

// InitiateHandshake produces a handshake initiation message to send to
// RemoteStatic and transitions the session into StateInitiationSent.
func (s *Session) InitiateHandshake(localPriv, localPub identity.Key, now time.Time) (*InitiationMessage, error) {
	msg, hs, err := BeginInitiation(localPriv, localPub, s.RemoteStatic, s.LocalIndex, tai64nLite(now))
	if err != nil {
		return nil, err
	}
	s.pending = hs
	s.state = StateInitiationSent
	s.handshakeStartedAt = now
	return msg, nil
}

// HandleResponse consumes a handshake response for a handshake this session
// previously initiated, deriving transport keys and moving to
// StateEstablished.
func (s *Session) HandleResponse(localPriv identity.Key, resp *ResponseMessage, now time.Time) error {
	if s.state != StateInitiationSent || s.pending == nil {
		return ErrHandshakeOutOfOrder
	}
	sendKey, recvKey, err := FinishInitiation(s.pending, localPriv, s.RemoteStatic, s.PresharedKey, resp)
	if err != nil {
		return err
	}
	s.RemoteIndex = resp.SenderIndex
	s.sendKey, s.recvKey = sendKey, recvKey
	s.sendCounter = 0
	s.recv = replayWindow{}
	s.pending = nil
	s.state = StateEstablished
	s.establishedAt = now
	s.lastRecvAt = now
	return nil
}

// CompleteFromInitiation finishes the responder side given a handshake
// state previously produced by OpenInitiation, moving straight to
// StateEstablished and returning the response message to send back.
func (s *Session) CompleteFromInitiation(hs *handshakeState, localStatic identity.Key, remoteIndex uint32, now time.Time) (*ResponseMessage, error) {
	resp, sendKey, recvKey, err := CompleteResponse(hs, localStatic, s.RemoteStatic, s.PresharedKey, s.LocalIndex, remoteIndex)
	if err != nil {
		return nil, err
	}
	s.RemoteIndex = remoteIndex
	s.sendKey, s.recvKey = sendKey, recvKey
	s.sendCounter = 0
	s.recv = replayWindow{}
	s.state = StateEstablished
	s.establishedAt = now
	s.lastRecvAt = now
	return resp, nil
}

// EncryptTransport encrypts plaintext under the session's current send key,
// returning the ciphertext and the counter it was sent with (the caller
// puts both on the wire).
func (s *Session) EncryptTransport(plaintext []byte, now time.Time) ([]byte, uint64, error) {
	if s.state != StateEstablished {
		return nil, 0, ErrHandshakeOutOfOrder
	}
	if s.sendCounter >= rejectAfterMsgs || now.Sub(s.establishedAt) >= rejectAfterTime {
		s.state = StateExpired
		return nil, 0, ErrSessionExpired
	}
	counter := s.sendCounter
	s.sendCounter++
	ct, err := aeadEncrypt(s.sendKey, counter, plaintext, nil)
	if err != nil {
		return nil, 0, err
	}
	s.lastSentAt = now
	return ct, counter, nil
}

// DecryptTransport decrypts a transport-data payload received with the
// given counter.
func (s *Session) DecryptTransport(counter uint64, ciphertext []byte, now time.Time) ([]byte, error) {
	if s.state != StateEstablished {
		return nil, ErrHandshakeOutOfOrder
	}
	if now.Sub(s.establishedAt) >= rejectAfterTime {
		s.state = StateExpired
		return nil, ErrSessionExpired
	}
	pt, err := aeadDecrypt(s.recvKey, counter, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	if !s.recv.Accept(counter) {
		return nil, ErrReplay
	}
	s.lastRecvAt = now
	return pt, nil
}

// UpdateTimers is the poll-driven equivalent of WireGuard's timer
// goroutines: given the current time, it reports what the caller should do
// next (rehandshake, send a keepalive, or nothing) without blocking or
// reading the clock itself.
func (s *Session) UpdateTimers(now time.Time) Action {
	switch s.state {
	case StateUninitiated:
		return ActionSendHandshake
	case StateInitiationSent:
		if now.Sub(s.handshakeStartedAt) >= rekeyAttemptTime {
			s.state = StateUninitiated
			s.pending = nil
			return ActionDropSession
		}
		if now.Sub(s.handshakeStartedAt) >= rekeyTimeout {
			return ActionSendHandshake
		}
		return ActionNone
	case StateEstablished:
		if now.Sub(s.establishedAt) >= rejectAfterTime || s.sendCounter >= rejectAfterMsgs {
			s.state = StateExpired
			return ActionDropSession
		}
		if now.Sub(s.establishedAt) >= rekeyAfterTime || s.sendCounter >= rekeyAfterMsgs {
			return ActionSendHandshake
		}
		if !s.lastSentAt.Before(s.lastRecvAt) && now.Sub(s.lastRecvAt) >= keepaliveTimeout {
			return ActionSendKeepalive
		}
		return ActionNone
	default:
		return ActionDropSession
	}
}

// tai64nLite encodes now into a 12-byte timestamp for the handshake's
// anti-replay field. Unlike real TAI64N this doesn't track leap seconds;
// it only needs to be monotonically increasing per peer, which Unix nanos
// satisfy just as well for this purpose.
func tai64nLite(now time.Time) [12]byte {
	var out [12]byte
	sec := uint64(now.Unix())
	nsec := uint32(now.Nanosecond())
	for i := 0; i < 8; i++ {
		out[i] = byte(sec >> (8 * (7 - i)))
	}
	for i := 0; i < 4; i++ {
		out[8+i] = byte(nsec >> (8 * (3 - i)))
	}
	return out
}
