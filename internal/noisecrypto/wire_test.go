package noisecrypto

import (
	"bytes"
	"testing"
	"time"
)

func TestInitiationWireRoundTrip(t *testing.T) {
	t.Parallel()

	initPriv, initPub := generateKeypair(t)
	_, respPub := generateKeypair(t)
	now := time.Unix(1_700_000_000, 0)

	msg, _, err := BeginInitiation(initPriv, initPub, respPub, 0x1234, tai64nLite(now))
	if err != nil {
		t.Fatalf("BeginInitiation: %v", err)
	}

	wire := MarshalInitiation(msg)
	if len(wire) != initiationWireSize {
		t.Fatalf("wire length = %d, want %d", len(wire), initiationWireSize)
	}
	if wire[0] != MessageTypeInitiation {
		t.Fatalf("type byte = %d, want %d", wire[0], MessageTypeInitiation)
	}

	got, err := UnmarshalInitiation(wire)
	if err != nil {
		t.Fatalf("UnmarshalInitiation: %v", err)
	}
	if got.SenderIndex != msg.SenderIndex {
		t.Fatalf("SenderIndex = %d, want %d", got.SenderIndex, msg.SenderIndex)
	}
	if got.Ephemeral != msg.Ephemeral {
		t.Fatalf("Ephemeral mismatch")
	}
	if !bytes.Equal(got.EncryptedStatic, msg.EncryptedStatic) {
		t.Fatal("EncryptedStatic mismatch")
	}
	if !bytes.Equal(got.EncryptedTimestamp, msg.EncryptedTimestamp) {
		t.Fatal("EncryptedTimestamp mismatch")
	}
	if got.MAC1 != msg.MAC1 {
		t.Fatal("MAC1 mismatch")
	}
}

func TestResponseWireRoundTrip(t *testing.T) {
	t.Parallel()

	initPriv, initPub := generateKeypair(t)
	respPriv, respPub := generateKeypair(t)
	var psk [32]byte
	now := time.Unix(1_700_000_000, 0)

	initMsg, _, err := BeginInitiation(initPriv, initPub, respPub, 1, tai64nLite(now))
	if err != nil {
		t.Fatalf("BeginInitiation: %v", err)
	}
	_, hs, err := OpenInitiation(respPriv, respPub, initMsg)
	if err != nil {
		t.Fatalf("OpenInitiation: %v", err)
	}
	respMsg, _, _, err := CompleteResponse(hs, respPub, initPub, psk, 2, initMsg.SenderIndex)
	if err != nil {
		t.Fatalf("CompleteResponse: %v", err)
	}

	wire := MarshalResponse(respMsg)
	if len(wire) != responseWireSize {
		t.Fatalf("wire length = %d, want %d", len(wire), responseWireSize)
	}
	if wire[0] != MessageTypeResponse {
		t.Fatalf("type byte = %d, want %d", wire[0], MessageTypeResponse)
	}

	got, err := UnmarshalResponse(wire)
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if got.SenderIndex != respMsg.SenderIndex || got.ReceiverIndex != respMsg.ReceiverIndex {
		t.Fatalf("indices = %d/%d, want %d/%d", got.SenderIndex, got.ReceiverIndex, respMsg.SenderIndex, respMsg.ReceiverIndex)
	}
	if got.Ephemeral != respMsg.Ephemeral {
		t.Fatal("Ephemeral mismatch")
	}
	if !bytes.Equal(got.EncryptedEmpty, respMsg.EncryptedEmpty) {
		t.Fatal("EncryptedEmpty mismatch")
	}
	if got.MAC1 != respMsg.MAC1 {
		t.Fatal("MAC1 mismatch")
	}
}

func TestDataWireRoundTrip(t *testing.T) {
	t.Parallel()

	msg := &DataMessage{ReceiverIndex: 0xCAFEBABE, Counter: 42, Ciphertext: []byte("not actually ciphertext but same shape")}
	wire := MarshalData(msg)
	if wire[0] != MessageTypeData {
		t.Fatalf("type byte = %d, want %d", wire[0], MessageTypeData)
	}

	got, err := UnmarshalData(wire)
	if err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if got.ReceiverIndex != msg.ReceiverIndex {
		t.Fatalf("ReceiverIndex = %d, want %d", got.ReceiverIndex, msg.ReceiverIndex)
	}
	if got.Counter != msg.Counter {
		t.Fatalf("Counter = %d, want %d", got.Counter, msg.Counter)
	}
	if !bytes.Equal(got.Ciphertext, msg.Ciphertext) {
		t.Fatalf("Ciphertext = %q, want %q", got.Ciphertext, msg.Ciphertext)
	}
}

func TestPeekMessageType(t *testing.T) {
	t.Parallel()

	for _, want := range []byte{MessageTypeInitiation, MessageTypeResponse, MessageTypeCookieReply, MessageTypeData} {
		got, err := PeekMessageType([]byte{want, 0, 0, 0})
		if err != nil {
			t.Fatalf("PeekMessageType: %v", err)
		}
		if got != want {
			t.Fatalf("PeekMessageType = %d, want %d", got, want)
		}
	}
	if _, err := PeekMessageType(nil); err != ErrShortMessage {
		t.Fatalf("empty input err = %v, want ErrShortMessage", err)
	}
}

func TestUnmarshalRejectsWrongTypeAndShortMessages(t *testing.T) {
	t.Parallel()

	if _, err := UnmarshalInitiation(make([]byte, initiationWireSize-1)); err != ErrShortMessage {
		t.Fatalf("short initiation err = %v, want ErrShortMessage", err)
	}
	wrongType := make([]byte, initiationWireSize)
	wrongType[0] = MessageTypeResponse
	if _, err := UnmarshalInitiation(wrongType); err != ErrWrongMessageType {
		t.Fatalf("wrong-type initiation err = %v, want ErrWrongMessageType", err)
	}

	if _, err := UnmarshalResponse(make([]byte, responseWireSize-1)); err != ErrShortMessage {
		t.Fatalf("short response err = %v, want ErrShortMessage", err)
	}

	if _, err := UnmarshalData(make([]byte, dataHeaderSize-1)); err != ErrShortMessage {
		t.Fatalf("short data err = %v, want ErrShortMessage", err)
	}
}
