// Package turnalloc manages TURN relay allocations on behalf of a peer's
// ICE agent: REST-API long-term credentials, the allocation's lifetime, and
// harvesting its server-reflexive and relayed transport addresses.
package turnalloc

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCredentialLifetime is the default validity period for generated
// TURN credentials.
const DefaultCredentialLifetime = 24 * time.Hour

// GenerateCredentials creates time-limited TURN REST API credentials from a
// shared secret, following the convention coturn and pion/turn both
// support: username = "<unix_expiry>:<peerID>", password =
// base64(HMAC-SHA1(secret, username)).
func GenerateCredentials(secret, peerID string, lifetime time.Duration) (username, password string, expiresAt time.Time) {
	if lifetime == 0 {
		lifetime = DefaultCredentialLifetime
	}
	expiresAt = time.Now().Add(lifetime)
	username = fmt.Sprintf("%d:%s", expiresAt.Unix(), peerID)
	password = computePassword(secret, username)
	return username, password, expiresAt
}

// ValidateCredentials checks that TURN REST API credentials are valid and
// not expired, recomputing the password from the shared secret.
func ValidateCredentials(secret, username, password string) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid username format: expected '<expiry>:<peerID>'")
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry in username: %w", err)
	}
	if time.Now().Unix() > expiry {
		return fmt.Errorf("credentials expired at %d", expiry)
	}
	expected := computePassword(secret, username)
	if !hmac.Equal([]byte(password), []byte(expected)) {
		return fmt.Errorf("invalid password")
	}
	return nil
}

func computePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
