package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscoveryIncomplete indicates a discovery document missing a
	// required endpoint.
	ErrDiscoveryIncomplete = errors.New("discovery document incomplete")

	// ErrMalformedTokenResponse indicates a 2xx token response without an
	// access_token.
	ErrMalformedTokenResponse = errors.New("token response missing access_token")
)

// DiscoveryError reports a failed or incomplete discovery fetch.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// TokenExchangeError reports a failed authorization_code grant: a non-2xx
// response (Status and Body carry the IdP's answer) or a malformed 2xx one.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("code exchange failed: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("code exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// RefreshError reports a failed refresh_token grant. A RefreshError is never
// retried: the session layer translates it into a forced logout.
type RefreshError struct {
	Status int
	Body   string
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token refresh failed: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
