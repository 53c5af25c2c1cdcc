package dispatcher

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const leaseTokenBytes = 32

// newLeaseToken returns a fresh secret for the caller and the digest to store.
func newLeaseToken() (token, digest string, err error) {
	b := make([]byte, leaseTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate lease token: %w", err)
	}
	token = hex.EncodeToString(b)
	return token, hashLeaseToken(token), nil
}

func hashLeaseToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// tokenMatches compares a presented token against a stored digest in
// constant time.
func tokenMatches(stored *string, presented string) bool {
	if stored == nil || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*stored), []byte(hashLeaseToken(presented))) == 1
}
