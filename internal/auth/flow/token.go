package flow

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// expirySkew pads expiry checks so a token that expires within the skew is
// already treated as expired.
const expirySkew = 10 * time.Second

// TokenSet is the outcome of a successful code exchange or refresh. It is
// always replaced wholesale, never partially updated.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// String redacts the tokens; a TokenSet must never end up in a log line.
func (t *TokenSet) String() string { return "[REDACTED: token set]" }

// Expired reports whether the access token is past (or within expirySkew of)
// its expiry. A zero expiry means the IdP communicated none; such tokens
// never report expired.
func (t *TokenSet) Expired() bool {
	if t.Expiry.IsZero() {
		return false
	}
	return t.Expiry.Round(0).Before(time.Now().Add(expirySkew))
}

// Valid reports whether the set holds a usable access token.
func (t *TokenSet) Valid() bool {
	return t != nil && t.AccessToken != "" && !t.Expired()
}

// newTokenSet builds a TokenSet from an oauth2 token. Expiry prefers the
// access token's embedded exp claim over the transport-level expires_in,
// matching how the IdP actually enforces it.
func newTokenSet(t *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
	if id, ok := t.Extra("id_token").(string); ok {
		set.IDToken = id
	}
	if exp := tokenExp(t.AccessToken); !exp.IsZero() {
		set.Expiry = exp
	}
	return set
}

// tokenExp reads the exp claim from a JWT access token without verifying the
// signature; the token was just received over TLS from the token endpoint.
// Returns the zero time for opaque or claimless tokens.
func tokenExp(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// TokenClaims decodes the claims embedded in a JWT access token without
// signature verification. It is the fallback identity source when the
// userinfo endpoint is unreachable.
func TokenClaims(accessToken string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
