package noisecrypto

import (
	"encoding/binary"
	"errors"
)

// Message type tags, one leading byte on every UDP datagram this package
// produces or consumes. Values and layout mirror WireGuard's own wire
// format, reserved bytes included, since nothing about datagram framing is
// specific to this tunnel; only the handshake payload above it differs.
const (
	MessageTypeInitiation byte = 1
	MessageTypeResponse   byte = 2
	// MessageTypeCookieReply is reserved for a future under-load cookie
	// mechanism; RateLimiter's token bucket is the only flood defense this
	// package implements today, so no message of this type is ever produced
	// or expected. PeekMessageType reports it like any other type byte so a peer running
	// a cookie-aware build doesn't just look like garbage on the wire.
	MessageTypeCookieReply byte = 3
	MessageTypeData        byte = 4
)

const (
	initiationWireSize = 1 + 3 + 4 + 32 + 48 + 28 + 16 + 16
	responseWireSize   = 1 + 3 + 4 + 4 + 32 + 16 + 16 + 16
	dataHeaderSize     = 1 + 3 + 4 + 8
)

var (
	// ErrShortMessage is returned by the Unmarshal functions when a datagram
	// is too small to hold its fixed-size fields.
	ErrShortMessage = errors.New("noisecrypto: message too short")
	// ErrWrongMessageType is returned when a datagram's leading type byte
	// doesn't match the Unmarshal function it was passed to.
	ErrWrongMessageType = errors.New("noisecrypto: unexpected message type")
)

// PeekMessageType reads the leading type byte of a received datagram so the
// caller can route it to the right Unmarshal function without parsing it
// twice. It does not validate the rest of the datagram.
func PeekMessageType(b []byte) (byte, error) {
	if len(b) < 1 {
		return 0, ErrShortMessage
	}
	return b[0], nil
}

// MarshalInitiation renders msg as the fixed-size datagram wire form.
func MarshalInitiation(msg *InitiationMessage) []byte {
	out := make([]byte, initiationWireSize)
	out[0] = MessageTypeInitiation
	off := 4
	binary.LittleEndian.PutUint32(out[off:], msg.SenderIndex)
	off += 4
	copy(out[off:], msg.Ephemeral[:])
	off += 32
	copy(out[off:], msg.EncryptedStatic)
	off += 48
	copy(out[off:], msg.EncryptedTimestamp)
	off += 28
	copy(out[off:], msg.MAC1[:])
	off += 16
	// Remaining 16 bytes are mac2, left zero: no cookie reply is produced.
	return out
}

// UnmarshalInitiation parses a datagram previously produced by
// MarshalInitiation (or an interoperable peer using the same wire layout).
func UnmarshalInitiation(b []byte) (*InitiationMessage, error) {
	if len(b) != initiationWireSize {
		return nil, ErrShortMessage
	}
	if b[0] != MessageTypeInitiation {
		return nil, ErrWrongMessageType
	}
	msg := &InitiationMessage{}
	off := 4
	msg.SenderIndex = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(msg.Ephemeral[:], b[off:off+32])
	off += 32
	msg.EncryptedStatic = append([]byte(nil), b[off:off+48]...)
	off += 48
	msg.EncryptedTimestamp = append([]byte(nil), b[off:off+28]...)
	off += 28
	copy(msg.MAC1[:], b[off:off+16])
	return msg, nil
}

// MarshalResponse renders msg as the fixed-size datagram wire form.
func MarshalResponse(msg *ResponseMessage) []byte {
	out := make([]byte, responseWireSize)
	out[0] = MessageTypeResponse
	off := 4
	binary.LittleEndian.PutUint32(out[off:], msg.SenderIndex)
	off += 4
	binary.LittleEndian.PutUint32(out[off:], msg.ReceiverIndex)
	off += 4
	copy(out[off:], msg.Ephemeral[:])
	off += 32
	copy(out[off:], msg.EncryptedEmpty)
	off += 16
	copy(out[off:], msg.MAC1[:])
	off += 16
	// Remaining 16 bytes are mac2, left zero.
	return out
}

// UnmarshalResponse parses a datagram previously produced by
// MarshalResponse.
func UnmarshalResponse(b []byte) (*ResponseMessage, error) {
	if len(b) != responseWireSize {
		return nil, ErrShortMessage
	}
	if b[0] != MessageTypeResponse {
		return nil, ErrWrongMessageType
	}
	msg := &ResponseMessage{}
	off := 4
	msg.SenderIndex = binary.LittleEndian.Uint32(b[off:])
	off += 4
	msg.ReceiverIndex = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(msg.Ephemeral[:], b[off:off+32])
	off += 32
	msg.EncryptedEmpty = append([]byte(nil), b[off:off+16]...)
	off += 16
	copy(msg.MAC1[:], b[off:off+16])
	return msg, nil
}

// DataMessage is the wire form of a transport-phase datagram: a receiver
// index identifying which session it belongs to, the sender's counter for
// that session, and the AEAD ciphertext (which includes its own 16-byte
// authentication tag, so an empty plaintext still produces a 16-byte
// ciphertext — used for keepalives).
type DataMessage struct {
	ReceiverIndex uint32
	Counter       uint64
	Ciphertext    []byte
}

// MarshalData renders a DataMessage as its datagram wire form.
func MarshalData(msg *DataMessage) []byte {
	out := make([]byte, dataHeaderSize+len(msg.Ciphertext))
	out[0] = MessageTypeData
	off := 4
	binary.LittleEndian.PutUint32(out[off:], msg.ReceiverIndex)
	off += 4
	binary.LittleEndian.PutUint64(out[off:], msg.Counter)
	off += 8
	copy(out[off:], msg.Ciphertext)
	return out
}

// UnmarshalData parses a datagram previously produced by MarshalData.
func UnmarshalData(b []byte) (*DataMessage, error) {
	if len(b) < dataHeaderSize {
		return nil, ErrShortMessage
	}
	if b[0] != MessageTypeData {
		return nil, ErrWrongMessageType
	}
	off := 4
	msg := &DataMessage{}
	msg.ReceiverIndex = binary.LittleEndian.Uint32(b[off:])
	off += 4
	msg.Counter = binary.LittleEndian.Uint64(b[off:])
	off += 8
	msg.Ciphertext = append([]byte(nil), b[off:]...)
	return msg, nil
}
