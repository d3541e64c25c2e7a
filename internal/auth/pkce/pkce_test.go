package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPair(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	got, err := NewPair()
	require.NoError(err)

	// 32 bytes of entropy encode to 43 unpadded base64url characters.
	assert.Len(got.Verifier, 43)
	assert.NotContains(got.Verifier, "=")
	assert.Equal(Challenge(got.Verifier), got.Challenge)

	other, err := NewPair()
	require.NoError(err)
	assert.NotEqual(got.Verifier, other.Verifier)
}

func TestChallenge(t *testing.T) {
	assert := assert.New(t)

	calc := func(verifier string) string {
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:])
	}

	// Deterministic, pure function of the verifier.
	assert.Equal(calc("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"), Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
	assert.Equal(Challenge("abc"), Challenge("abc"))
	assert.NotEqual(Challenge("abc"), Challenge("abd"))
}
