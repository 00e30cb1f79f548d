package noisecrypto

import (
	"errors"

	"github.com/kuuji/riftgate/internal/identity"
)

var (
	// ErrHandshakeOutOfOrder is returned when a handshake message arrives for
	// a session that isn't expecting it (e.g. a response to an initiation we
	// never sent).
	ErrHandshakeOutOfOrder = errors.New("noisecrypto: unexpected handshake message for session state")
	// ErrUnknownInitiator reports an initiation whose decrypted static key
	// doesn't belong to any peer the caller recognizes. OpenInitiation never
	// returns it: it returns whatever static key it decrypted, and the caller
	// (not this package) performs that recognition check.
	ErrUnknownInitiator = errors.New("noisecrypto: initiation decrypted to an unrecognized static key")
)

// handshakeState carries the in-progress Noise transcript for one handshake
// attempt. It is discarded as soon as the handshake completes or fails; only
// the derived transport keys live on past that point.
type handshakeState struct {
	chainKey [hashSize]byte
	hash     [hashSize]byte

	localEphemeralPriv identity.Key
	localEphemeralPub  identity.Key
	remoteEphemeral    identity.Key
}

// InitiationMessage is the wire form of a handshake initiation: an
// unencrypted sender index and ephemeral public key, the sender's static
// public key and a timestamp both encrypted under keys derived so far, and a
// MAC binding the message to the intended responder's static key.
type InitiationMessage struct {
	SenderIndex      uint32
	Ephemeral        identity.Key
	EncryptedStatic  []byte // 32 + 16 bytes
	EncryptedTimestamp []byte // 12 + 16 bytes
	MAC1             [16]byte
}

// ResponseMessage is the wire form of a handshake response.
type ResponseMessage struct {
	SenderIndex    uint32
	ReceiverIndex  uint32
	Ephemeral      identity.Key
	EncryptedEmpty []byte // 0 + 16 bytes
	MAC1           [16]byte
}

// mac1Key derives the key used for the unauthenticated-but-bound MAC1 field,
// as WireGuard does: BLAKE2s("mac1----" || recipientStaticPublic).
func mac1Key(recipientStatic identity.Key) [hashSize]byte {
	return blake2sHashOf([]byte("mac1----"), recipientStatic[:])
}

func computeMAC1(recipientStatic identity.Key, message []byte) [16]byte {
	key := mac1Key(recipientStatic)
	mac := hmacBlake2s(key[:], message)
	var out [16]byte
	copy(out[:], mac[:16])
	return out
}

// BeginInitiation starts a handshake as the initiator: localPriv/localPub
// are our static keypair, remoteStatic is the peer's known static public
// key (learned out of band, e.g. from a connection-registry entry), and
// localIndex is the session index we've allocated for this attempt. The
// preshared key is mixed in later, during the response message, so it
// doesn't appear in this message's derivation.
func BeginInitiation(localPriv, localPub, remoteStatic identity.Key, localIndex uint32, timestamp [12]byte) (*InitiationMessage, *handshakeState, error) {
	ck, h := initialChainKeyAndHash()
	h = mixHash(h, remoteStatic[:])

	ePriv, err := identity.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	ePub := identity.PublicKey(ePriv)
	h = mixHash(h, ePub[:])
	ck = kdf1(ck[:], ePub[:])

	dh1, err := dh(ePriv, remoteStatic)
	if err != nil {
		return nil, nil, err
	}
	var key [hashSize]byte
	ck, key = kdf2(ck[:], dh1[:])

	encStatic, err := aeadEncrypt(key, 0, localPub[:], h[:])
	if err != nil {
		return nil, nil, err
	}
	h = mixHash(h, encStatic)

	dh2, err := dh(localPriv, remoteStatic)
	if err != nil {
		return nil, nil, err
	}
	ck, key = kdf2(ck[:], dh2[:])

	encTS, err := aeadEncrypt(key, 0, timestamp[:], h[:])
	if err != nil {
		return nil, nil, err
	}
	h = mixHash(h, encTS)

	// The preshared key is mixed in during the response message only (the
	// psk2 modifier applies to message 2, not message 1), so ck/h here stop
	// at exactly the state OpenInitiation independently reconstructs.

	msg := &InitiationMessage{
		SenderIndex:        localIndex,
		Ephemeral:          ePub,
		EncryptedStatic:    encStatic,
		EncryptedTimestamp: encTS,
	}
	msg.MAC1 = computeMAC1(remoteStatic, marshalInitiationForMAC(msg))

	return msg, &handshakeState{chainKey: ck, hash: h, localEphemeralPriv: ePriv, localEphemeralPub: ePub}, nil
}

// OpenInitiation decrypts an incoming initiation against our own static
// keypair, yielding the claimed sender's static public key. The caller is
// responsible for checking that key against a known set of peers before
// trusting anything derived from it.
func OpenInitiation(localPriv, localPub identity.Key, msg *InitiationMessage) (remoteStatic identity.Key, hs *handshakeState, err error) {
	ck, h := initialChainKeyAndHash()
	h = mixHash(h, localPub[:])

	h = mixHash(h, msg.Ephemeral[:])
	ck = kdf1(ck[:], msg.Ephemeral[:])

	dh1, err := dh(localPriv, msg.Ephemeral)
	if err != nil {
		return identity.Key{}, nil, err
	}
	var key [hashSize]byte
	ck, key = kdf2(ck[:], dh1[:])

	staticBytes, err := aeadDecrypt(key, 0, msg.EncryptedStatic, h[:])
	if err != nil {
		return identity.Key{}, nil, err
	}
	copy(remoteStatic[:], staticBytes)
	h = mixHash(h, msg.EncryptedStatic)

	dh2, err := dh(localPriv, remoteStatic)
	if err != nil {
		return identity.Key{}, nil, err
	}
	ck, key = kdf2(ck[:], dh2[:])

	if _, err := aeadDecrypt(key, 0, msg.EncryptedTimestamp, h[:]); err != nil {
		return identity.Key{}, nil, err
	}
	h = mixHash(h, msg.EncryptedTimestamp)

	return remoteStatic, &handshakeState{chainKey: ck, hash: h, remoteEphemeral: msg.Ephemeral}, nil
}

// CompleteResponse finishes the responder side of a handshake that was
// opened with OpenInitiation, producing a ResponseMessage and the pair of
// transport keys (send, recv) from the responder's point of view.
func CompleteResponse(hs *handshakeState, localStatic, remoteStatic identity.Key, psk [32]byte, localIndex, remoteIndex uint32) (*ResponseMessage, [hashSize]byte, [hashSize]byte, error) {
	ck, h := hs.chainKey, hs.hash

	ePriv, err := identity.GeneratePrivateKey()
	if err != nil {
		return nil, [hashSize]byte{}, [hashSize]byte{}, err
	}
	ePub := identity.PublicKey(ePriv)
	h = mixHash(h, ePub[:])
	ck = kdf1(ck[:], ePub[:])

	dhE, err := dh(ePriv, hs.remoteEphemeral)
	if err != nil {
		return nil, [hashSize]byte{}, [hashSize]byte{}, err
	}
	ck = kdf1(ck[:], dhE[:])

	dhS, err := dh(ePriv, remoteStatic)
	if err != nil {
		return nil, [hashSize]byte{}, [hashSize]byte{}, err
	}
	ck = kdf1(ck[:], dhS[:])

	var tau, key [hashSize]byte
	ck, tau, key = kdf3(ck[:], psk[:])
	h = mixHash(h, tau[:])

	encEmpty, err := aeadEncrypt(key, 0, nil, h[:])
	if err != nil {
		return nil, [hashSize]byte{}, [hashSize]byte{}, err
	}
	h = mixHash(h, encEmpty)

	t1, t2 := kdf2(ck[:], nil)
	// Responder sends with t2, receives with t1 (mirrored by the initiator
	// in FinishInitiation).
	sendKey, recvKey := t2, t1

	msg := &ResponseMessage{
		SenderIndex:    localIndex,
		ReceiverIndex:  remoteIndex,
		Ephemeral:      ePub,
		EncryptedEmpty: encEmpty,
	}
	msg.MAC1 = computeMAC1(remoteStatic, marshalResponseForMAC(msg))

	return msg, sendKey, recvKey, nil
}

// FinishInitiation completes the initiator side after receiving a
// ResponseMessage, returning the (send, recv) transport key pair.
func FinishInitiation(hs *handshakeState, localPriv, remoteStatic identity.Key, psk [32]byte, resp *ResponseMessage) ([hashSize]byte, [hashSize]byte, error) {
	ck, h := hs.chainKey, hs.hash

	h = mixHash(h, resp.Ephemeral[:])
	ck = kdf1(ck[:], resp.Ephemeral[:])

	dhE, err := dh(hs.localEphemeralPriv, resp.Ephemeral)
	if err != nil {
		return [hashSize]byte{}, [hashSize]byte{}, err
	}
	ck = kdf1(ck[:], dhE[:])

	dhS, err := dh(localPriv, resp.Ephemeral)
	if err != nil {
		return [hashSize]byte{}, [hashSize]byte{}, err
	}
	ck = kdf1(ck[:], dhS[:])

	var tau, key [hashSize]byte
	ck, tau, key = kdf3(ck[:], psk[:])
	h = mixHash(h, tau[:])

	if _, err := aeadDecrypt(key, 0, resp.EncryptedEmpty, h[:]); err != nil {
		return [hashSize]byte{}, [hashSize]byte{}, err
	}

	t1, t2 := kdf2(ck[:], nil)
	// Mirror image of CompleteResponse: initiator sends with t1, receives
	// with t2, so initiator.send == responder.recv and vice versa.
	sendKey, recvKey := t1, t2
	return sendKey, recvKey, nil
}

func marshalInitiationForMAC(msg *InitiationMessage) []byte {
	out := make([]byte, 0, 4+32+len(msg.EncryptedStatic)+len(msg.EncryptedTimestamp))
	out = appendUint32(out, msg.SenderIndex)
	out = append(out, msg.Ephemeral[:]...)
	out = append(out, msg.EncryptedStatic...)
	out = append(out, msg.EncryptedTimestamp...)
	return out
}

func marshalResponseForMAC(msg *ResponseMessage) []byte {
	out := make([]byte, 0, 8+32+len(msg.EncryptedEmpty))
	out = appendUint32(out, msg.SenderIndex)
	out = appendUint32(out, msg.ReceiverIndex)
	out = append(out, msg.Ephemeral[:]...)
	out = append(out, msg.EncryptedEmpty...)
	return out
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
