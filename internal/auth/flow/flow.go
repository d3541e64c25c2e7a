// Package flow drives the wire-level OAuth2/OIDC interactions: endpoint
// discovery, authorization URL construction, code exchange, token refresh,
// userinfo retrieval and remote logout. It holds no session state; the
// session layer owns that.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/brizzai/oidc-agent/internal/auth/pkce"
	"github.com/brizzai/oidc-agent/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Endpoints are the realm endpoints in effect. They start as the
// Keycloak-style paths derived from the static configuration and are
// replaced by the discovery document when Discover succeeds.
type Endpoints struct {
	Issuer     string
	Authorize  string
	Token      string
	Userinfo   string
	EndSession string
}

// Orchestrator performs the protocol legs of the authorization code flow
// with PKCE. It is safe for use by the session layer from its single
// serialized execution path.
type Orchestrator struct {
	cfg    *config.RealmConfig
	client *http.Client

	mu        sync.Mutex
	endpoints Endpoints
	verifier  *oidc.IDTokenVerifier
}

// NewOrchestrator builds an Orchestrator over the statically derived
// endpoints. A nil client falls back to http.DefaultClient; timeouts belong
// to the transport, not to this layer.
func NewOrchestrator(cfg *config.RealmConfig, client *http.Client) *Orchestrator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Orchestrator{
		cfg:    cfg,
		client: client,
		endpoints: Endpoints{
			Issuer:     cfg.Issuer(),
			Authorize:  cfg.AuthorizeEndpoint(),
			Token:      cfg.TokenEndpoint(),
			Userinfo:   cfg.UserinfoEndpoint(),
			EndSession: cfg.LogoutEndpoint(),
		},
	}
}

// Endpoints returns the endpoints currently in effect.
func (o *Orchestrator) Endpoints() Endpoints {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoints
}

// Discover fetches the realm's well-known configuration and swaps the
// derived endpoints for the document's. authorization_endpoint and
// token_endpoint are required; their absence is a DiscoveryError. The
// resolved issuer is captured and preferred over the configured one from
// then on, which tolerates IdP redirects and migrations.
func (o *Orchestrator) Discover(ctx context.Context) error {
	issuer := o.Endpoints().Issuer

	provider, err := oidc.NewProvider(o.context(ctx), issuer)
	if err != nil {
		return &DiscoveryError{Issuer: issuer, Err: err}
	}

	var doc struct {
		Issuer     string `json:"issuer"`
		Authorize  string `json:"authorization_endpoint"`
		Token      string `json:"token_endpoint"`
		Userinfo   string `json:"userinfo_endpoint"`
		EndSession string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&doc); err != nil {
		return &DiscoveryError{Issuer: issuer, Err: err}
	}
	if doc.Authorize == "" {
		return &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("%w: no authorization_endpoint", ErrDiscoveryIncomplete)}
	}
	if doc.Token == "" {
		return &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("%w: no token_endpoint", ErrDiscoveryIncomplete)}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if doc.Issuer != "" {
		o.endpoints.Issuer = doc.Issuer
	}
	o.endpoints.Authorize = doc.Authorize
	o.endpoints.Token = doc.Token
	if doc.Userinfo != "" {
		o.endpoints.Userinfo = doc.Userinfo
	}
	if doc.EndSession != "" {
		o.endpoints.EndSession = doc.EndSession
	}
	o.verifier = provider.Verifier(&oidc.Config{ClientID: o.cfg.ClientID})
	return nil
}

// AuthCodeURL assembles the authorization URL for one login attempt. Pure
// construction, no side effects. state binds the callback to this attempt,
// nonce binds the eventual ID token to it, idpHint optionally routes the
// user to a specific identity provider.
func (o *Orchestrator) AuthCodeURL(pair *pkce.Pair, state, nonce, idpHint string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
		oidc.Nonce(nonce),
	}
	if idpHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("idp_hint", idpHint))
	}
	return o.oauthConfig().AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a token set, presenting the
// PKCE verifier. When discovery armed an ID-token verifier and the response
// carries an id_token, its nonce is checked against the attempt's.
func (o *Orchestrator) Exchange(ctx context.Context, code, verifier, nonce string) (*TokenSet, error) {
	token, err := o.oauthConfig().Exchange(o.context(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return nil, &TokenExchangeError{Status: rErr.Response.StatusCode, Body: string(rErr.Body), Err: err}
		}
		return nil, &TokenExchangeError{Err: err}
	}
	if token.AccessToken == "" {
		return nil, &TokenExchangeError{Err: ErrMalformedTokenResponse}
	}

	set := newTokenSet(token)
	if err := o.verifyIDToken(ctx, set.IDToken, nonce); err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	return set, nil
}

// Refresh trades a refresh token for a fresh token set. Refresh failures
// are classified separately from exchange failures because the session
// layer reacts differently: a RefreshError always forces a local logout and
// is never retried here.
func (o *Orchestrator) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := o.oauthConfig().TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return nil, &RefreshError{Status: rErr.Response.StatusCode, Body: string(rErr.Body), Err: err}
		}
		return nil, &RefreshError{Err: err}
	}
	if token.AccessToken == "" {
		return nil, &RefreshError{Err: ErrMalformedTokenResponse}
	}

	set := newTokenSet(token)
	if set.RefreshToken == "" {
		// IdPs that don't rotate refresh tokens omit them from the response.
		set.RefreshToken = refreshToken
	}
	return set, nil
}

// Userinfo fetches the userinfo claims with a bearer token. A non-2xx
// response is an error; the caller falls back to the access token's own
// claims.
func (o *Orchestrator) Userinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	endpoint := o.Endpoints().Userinfo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return claims, nil
}

// RemoteLogout asks the IdP to end its session. Best effort: the session
// layer clears local state regardless of the outcome, so the returned error
// is only ever logged.
func (o *Orchestrator) RemoteLogout(ctx context.Context, idTokenHint string) error {
	endpoint := o.Endpoints().EndSession
	if endpoint == "" {
		return nil
	}

	q := url.Values{}
	q.Set("client_id", o.cfg.ClientID)
	q.Set("post_logout_redirect_uri", o.cfg.RedirectURI)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("end session request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("end session request failed with status %d", resp.StatusCode)
	}
	return nil
}

func (o *Orchestrator) verifyIDToken(ctx context.Context, idToken, nonce string) error {
	o.mu.Lock()
	verifier := o.verifier
	o.mu.Unlock()

	// Without discovery there is no signing key material to verify against.
	if verifier == nil || idToken == "" {
		return nil
	}
	verified, err := verifier.Verify(o.context(ctx), idToken)
	if err != nil {
		return fmt.Errorf("id_token verification failed: %w", err)
	}
	if nonce != "" && verified.Nonce != nonce {
		return fmt.Errorf("id_token nonce does not match the login attempt")
	}
	return nil
}

func (o *Orchestrator) oauthConfig() *oauth2.Config {
	endpoints := o.Endpoints()
	return &oauth2.Config{
		ClientID:     o.cfg.ClientID,
		ClientSecret: o.cfg.ClientSecret,
		RedirectURL:  o.cfg.RedirectURI,
		Scopes:       o.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.Authorize,
			TokenURL: endpoints.Token,
			// client_id travels form-encoded; public clients have no
			// secret for basic auth, and pinning the style stops the
			// oauth2 package from probing with a second request.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// context routes both go-oidc and oauth2 through the orchestrator's HTTP
// client.
func (o *Orchestrator) context(ctx context.Context) context.Context {
	ctx = oidc.ClientContext(ctx, o.client)
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}
