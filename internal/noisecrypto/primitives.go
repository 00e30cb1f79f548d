package noisecrypto

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/kuuji/riftgate/internal/identity"
)

// These constants and the KDF/mixHash shape below reproduce the WireGuard
// Noise_IKpsk2 construction (BLAKE2s/Curve25519/ChaCha20-Poly1305) from
// first principles, since golang.zx2c4.com/wireguard's noise.go is not
// importable as a library (see DESIGN.md). The cryptographic primitives
// themselves (curve25519, chacha20poly1305) are the same ones the teacher
// already imports for key handling.
const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	noiseIdentifier    = "riftgate v1 tunnel-core"
	hashSize           = 32
)

var (
	errDecryptionFailed = errors.New("noisecrypto: authentication failed")
)

// mustBlake2s builds an unkeyed BLAKE2s-256 hasher. blake2s.New256 only
// errors on an over-long key, and nil is always a valid (empty) key.
func mustBlake2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

func blake2sHashOf(data ...[]byte) [hashSize]byte {
	h := mustBlake2s()
	for _, d := range data {
		h.Write(d) //nolint:errcheck // hash.Hash.Write never errors
	}
	var out [hashSize]byte
	h.Sum(out[:0])
	return out
}

// mixHash extends a running transcript hash with new data, as Noise's
// MixHash(h, data) = HASH(h || data).
func mixHash(h [hashSize]byte, data []byte) [hashSize]byte {
	return blake2sHashOf(h[:], data)
}

// hmacBlake2s computes HMAC-BLAKE2s(key, input), per the Noise HKDF used by
// WireGuard.
func hmacBlake2s(key, input []byte) [hashSize]byte {
	mac := hmac.New(func() hash.Hash { return mustBlake2s() }, key)
	mac.Write(input) //nolint:errcheck
	var out [hashSize]byte
	mac.Sum(out[:0])
	return out
}

// kdf1 implements Noise's KDF with a single output.
func kdf1(key, input []byte) [hashSize]byte {
	t0 := hmacBlake2s(key, input)
	return hmacBlake2s(t0[:], []byte{0x01})
}

// kdf2 implements Noise's KDF with two outputs.
func kdf2(key, input []byte) (t1, t2 [hashSize]byte) {
	t0 := hmacBlake2s(key, input)
	t1 = hmacBlake2s(t0[:], []byte{0x01})
	t2 = hmacBlake2s(t0[:], append(append([]byte{}, t1[:]...), 0x02))
	return
}

// kdf3 implements Noise's KDF with three outputs (used for PSK mixing).
func kdf3(key, input []byte) (t1, t2, t3 [hashSize]byte) {
	t0 := hmacBlake2s(key, input)
	t1 = hmacBlake2s(t0[:], []byte{0x01})
	t2 = hmacBlake2s(t0[:], append(append([]byte{}, t1[:]...), 0x02))
	t3 = hmacBlake2s(t0[:], append(append([]byte{}, t2[:]...), 0x03))
	return
}

// dh performs a Curve25519 Diffie-Hellman exchange.
func dh(priv, pub identity.Key) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// aeadNonce builds the 12-byte ChaCha20-Poly1305 nonce WireGuard uses:
// 4 zero bytes followed by the little-endian 8-byte counter.
func aeadNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func aeadEncrypt(key [32]byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, aeadNonce(counter), plaintext, aad), nil
}

func aeadDecrypt(key [32]byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, aeadNonce(counter), ciphertext, aad)
	if err != nil {
		return nil, errDecryptionFailed
	}
	return pt, nil
}

// initialChainKeyAndHash computes Noise's initial ck/h from the
// construction and identifier strings.
func initialChainKeyAndHash() (ck, h [hashSize]byte) {
	ck = blake2sHashOf([]byte(noiseConstruction))
	h = blake2sHashOf(ck[:], []byte(noiseIdentifier))
	return
}
