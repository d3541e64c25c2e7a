// Package authtest provides an in-process fake IdP so the auth packages can
// be tested against real HTTP exchanges instead of stubbed transports.
package authtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brizzai/oidc-agent/internal/auth/pkce"
	"github.com/brizzai/oidc-agent/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const realm = "agents"

// Provider is a disposable fake IdP serving a single realm: discovery,
// token, userinfo and end-session endpoints. Access tokens are HS256 JWTs
// whose exp claim drives the agent's expiry handling.
type Provider struct {
	t      *testing.T
	server *httptest.Server
	secret []byte

	mu sync.Mutex

	// Behavior knobs.
	expectedCode      string
	expectedChallenge string
	accessTTL         time.Duration
	claims            map[string]any
	idToken           string
	rotatedRefresh    string
	omitTokenEndpoint bool
	omitAccessToken   bool
	refreshStatus     int
	refreshBody       string
	refreshGate       chan struct{}
	exchangeStatus    int
	exchangeBody      string
	userinfoStatus    int

	// Observed traffic.
	exchangeCalls   int
	refreshCalls    int
	userinfoCalls   int
	endSessionCalls int
	lastTokenForm   url.Values
	lastAuthQuery   url.Values
}

// New starts a fake IdP. The server is torn down with the test.
func New(t *testing.T) *Provider {
	t.Helper()
	p := &Provider{
		t:         t,
		secret:    []byte("authtest-signing-secret"),
		accessTTL: time.Hour,
		claims: map[string]any{
			"sub":                "u-1",
			"email":              "user@example.com",
			"given_name":         "Test",
			"family_name":        "User",
			"preferred_username": "tuser",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/"+realm+"/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/realms/"+realm+"/protocol/openid-connect/auth", p.handleAuthorize)
	mux.HandleFunc("/realms/"+realm+"/protocol/openid-connect/token", p.handleToken)
	mux.HandleFunc("/realms/"+realm+"/protocol/openid-connect/userinfo", p.handleUserinfo)
	mux.HandleFunc("/realms/"+realm+"/protocol/openid-connect/logout", p.handleEndSession)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

// Issuer is the realm issuer URL served by this provider.
func (p *Provider) Issuer() string {
	return p.server.URL + "/realms/" + realm
}

// RealmConfig returns a client configuration pointed at this provider.
func (p *Provider) RealmConfig(redirectURI string) *config.RealmConfig {
	return &config.RealmConfig{
		BaseURL:     p.server.URL,
		Realm:       realm,
		ClientID:    "agent-client",
		RedirectURI: redirectURI,
		Scopes:      []string{"openid", "profile", "email"},
	}
}

// SetExpectedAuthCode configures the only code /token will accept.
func (p *Provider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedCode = code
}

// SetExpectedChallenge makes /token enforce PKCE: the presented
// code_verifier must hash to challenge.
func (p *Provider) SetExpectedChallenge(challenge string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedChallenge = challenge
}

// SetAccessTTL controls the exp claim of minted access tokens. Negative
// values mint already-expired tokens.
func (p *Provider) SetAccessTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessTTL = ttl
}

// SetClaims replaces the identity claims embedded in access tokens and
// served by userinfo.
func (p *Provider) SetClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

// SetIDToken adds a raw id_token to token responses.
func (p *Provider) SetIDToken(idToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idToken = idToken
}

// SetRotatedRefreshToken makes refresh responses carry a new refresh token.
func (p *Provider) SetRotatedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotatedRefresh = token
}

// OmitTokenEndpoint removes token_endpoint from the discovery document.
func (p *Provider) OmitTokenEndpoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitTokenEndpoint = true
}

// OmitAccessToken makes token responses 2xx but missing access_token.
func (p *Provider) OmitAccessToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = true
}

// FailRefresh makes refresh_token grants answer status with body.
func (p *Provider) FailRefresh(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatus = status
	p.refreshBody = body
}

// HoldRefresh makes refresh_token grants block until the returned release
// func is called, so tests can interleave operations with an in-flight
// refresh. Release is idempotent.
func (p *Provider) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.refreshGate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// FailExchange makes authorization_code grants answer status with body.
func (p *Provider) FailExchange(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeStatus = status
	p.exchangeBody = body
}

// FailUserinfo makes the userinfo endpoint answer status.
func (p *Provider) FailUserinfo(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoStatus = status
}

func (p *Provider) ExchangeCalls() int   { p.mu.Lock(); defer p.mu.Unlock(); return p.exchangeCalls }
func (p *Provider) RefreshCalls() int    { p.mu.Lock(); defer p.mu.Unlock(); return p.refreshCalls }
func (p *Provider) UserinfoCalls() int   { p.mu.Lock(); defer p.mu.Unlock(); return p.userinfoCalls }
func (p *Provider) EndSessionCalls() int { p.mu.Lock(); defer p.mu.Unlock(); return p.endSessionCalls }

// LastTokenForm is the form of the most recent /token request.
func (p *Provider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

// MintAccessToken signs an HS256 JWT carrying the provider's claims and an
// exp of now+ttl. A per-mint jti keeps tokens minted within the same second
// distinct.
func (p *Provider) MintAccessToken(ttl time.Duration) string {
	p.mu.Lock()
	claims := jwt.MapClaims{"exp": time.Now().Add(ttl).Unix(), "jti": uuid.NewString()}
	for k, v := range p.claims {
		claims[k] = v
	}
	p.mu.Unlock()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		p.t.Fatalf("mint access token: %v", err)
	}
	return token
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	omitToken := p.omitTokenEndpoint
	p.mu.Unlock()

	doc := map[string]any{
		"issuer":                 p.Issuer(),
		"authorization_endpoint": p.Issuer() + "/protocol/openid-connect/auth",
		"userinfo_endpoint":      p.Issuer() + "/protocol/openid-connect/userinfo",
		"end_session_endpoint":   p.Issuer() + "/protocol/openid-connect/logout",
		"jwks_uri":               p.Issuer() + "/protocol/openid-connect/certs",
	}
	if !omitToken {
		doc["token_endpoint"] = p.Issuer() + "/protocol/openid-connect/token"
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleAuthorize only records the query; the browser leg is faked by the
// tests themselves.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAuthQuery = r.URL.Query()
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	p.lastTokenForm = r.PostForm
	grant := r.PostForm.Get("grant_type")

	switch grant {
	case "authorization_code":
		p.exchangeCalls++
		if p.exchangeStatus != 0 {
			status, body := p.exchangeStatus, p.exchangeBody
			p.mu.Unlock()
			writeRaw(w, status, body)
			return
		}
		if p.expectedCode != "" && r.PostForm.Get("code") != p.expectedCode {
			p.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		if p.expectedChallenge != "" && pkce.Challenge(r.PostForm.Get("code_verifier")) != p.expectedChallenge {
			p.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
			return
		}
	case "refresh_token":
		p.refreshCalls++
		if gate := p.refreshGate; gate != nil {
			p.mu.Unlock()
			<-gate
			p.mu.Lock()
		}
		if p.refreshStatus != 0 {
			status, body := p.refreshStatus, p.refreshBody
			p.mu.Unlock()
			writeRaw(w, status, body)
			return
		}
	default:
		p.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	resp := map[string]any{
		"token_type": "Bearer",
		"expires_in": int(p.accessTTL / time.Second),
	}
	if !p.omitAccessToken {
		ttl := p.accessTTL
		p.mu.Unlock()
		access := p.MintAccessToken(ttl)
		p.mu.Lock()
		resp["access_token"] = access
	}
	if grant == "refresh_token" && p.rotatedRefresh != "" {
		resp["refresh_token"] = p.rotatedRefresh
	} else if grant == "authorization_code" {
		resp["refresh_token"] = "rt-" + fmt.Sprint(p.exchangeCalls)
	}
	if p.idToken != "" {
		resp["id_token"] = p.idToken
	}
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.userinfoCalls++
	status := p.userinfoStatus
	claims := p.claims
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (p *Provider) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.endSessionCalls++
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
