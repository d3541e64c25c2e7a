// Package pkce implements Proof Key for Code Exchange (RFC 7636) for the
// authorization code flow. Only the S256 challenge method is supported.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Method is the only code_challenge_method the agent ever sends.
const Method = "S256"

// verifierEntropy is the number of random bytes behind a verifier. 32 bytes
// encode to 43 base64url characters, inside the 43..128 range RFC 7636
// requires.
const verifierEntropy = 32

// Pair is a verifier and its derived challenge. A Pair is scoped to a single
// login attempt and must never be reused across attempts.
type Pair struct {
	Verifier  string
	Challenge string
}

// NewPair generates a cryptographically random verifier and derives its
// challenge. It fails only if the system RNG is unavailable, in which case
// the caller should abort the login attempt.
func NewPair() (*Pair, error) {
	data := make([]byte, verifierEntropy)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("pkce: unable to read random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(data)
	return &Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
	}, nil
}

// Challenge derives the S256 code challenge for a verifier: the unpadded
// base64url encoding of its SHA-256 digest. Pure function of its input.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
