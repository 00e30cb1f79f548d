// Package identity defines the opaque identifiers shared across the tunnel
// core (peers, relays, resources, sites) and the WireGuard-style key type
// used to address them cryptographically.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// PeerID identifies a gateway from the portal's point of view.
type PeerID uuid.UUID

// RelayID identifies a TURN relay.
type RelayID uuid.UUID

// ResourceID identifies one access-controlled resource.
type ResourceID uuid.UUID

// SiteID groups gateways reachable for a given resource.
type SiteID uuid.UUID

func (id PeerID) String() string     { return uuid.UUID(id).String() }
func (id RelayID) String() string    { return uuid.UUID(id).String() }
func (id ResourceID) String() string { return uuid.UUID(id).String() }
func (id SiteID) String() string     { return uuid.UUID(id).String() }

func (id PeerID) IsZero() bool     { return id == PeerID{} }
func (id RelayID) IsZero() bool    { return id == RelayID{} }
func (id ResourceID) IsZero() bool { return id == ResourceID{} }

// NewPeerID generates a random v4 peer id.
func NewPeerID() PeerID { return PeerID(uuid.New()) }

// NewRelayID generates a random v4 relay id.
func NewRelayID() RelayID { return RelayID(uuid.New()) }

// ParsePeerID parses a peer id from its string form.
func ParsePeerID(s string) (PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("parsing peer id %q: %w", s, err)
	}
	return PeerID(u), nil
}

// ParseResourceID parses a resource id from its string form.
func ParseResourceID(s string) (ResourceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ResourceID{}, fmt.Errorf("parsing resource id %q: %w", s, err)
	}
	return ResourceID(u), nil
}

// ParseRelayID parses a relay id from its string form.
func ParseRelayID(s string) (RelayID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RelayID{}, fmt.Errorf("parsing relay id %q: %w", s, err)
	}
	return RelayID(u), nil
}

// ParseSiteID parses a site id from its string form.
func ParseSiteID(s string) (SiteID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SiteID{}, fmt.Errorf("parsing site id %q: %w", s, err)
	}
	return SiteID(u), nil
}

// KeySize is the length in bytes of a Curve25519 key.
const KeySize = 32

// Key represents a Curve25519 key (private or public), base64-encoded in
// its text representation. Carried over from the teacher's
// internal/config/keys.go almost unchanged.
type Key [KeySize]byte

// GeneratePrivateKey generates a new random, RFC 7748 section 5 clamped private key.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random key: %w", err)
	}
	clampPrivateKey(&k)
	return k, nil
}

// PublicKey derives the Curve25519 public key from a private key.
func PublicKey(private Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&private))
	return pub
}

// ParseKey decodes a base64-encoded key string.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string { return base64.StdEncoding.EncodeToString(k[:]) }

func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// clampPrivateKey applies the Curve25519 clamping from RFC 7748 section 5.
func clampPrivateKey(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
