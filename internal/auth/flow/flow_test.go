package flow_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/brizzai/oidc-agent/internal/auth/authtest"
	"github.com/brizzai/oidc-agent/internal/auth/flow"
	"github.com/brizzai/oidc-agent/internal/auth/pkce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redirectURI = "http://127.0.0.1:18423/callback"

func TestDiscover(t *testing.T) {
	t.Run("overrides-derived-endpoints", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		idp := authtest.New(t)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		require.NoError(o.Discover(context.Background()))

		endpoints := o.Endpoints()
		assert.Equal(idp.Issuer(), endpoints.Issuer)
		assert.Equal(idp.Issuer()+"/protocol/openid-connect/token", endpoints.Token)
		assert.Equal(idp.Issuer()+"/protocol/openid-connect/logout", endpoints.EndSession)
	})

	t.Run("missing-token-endpoint", func(t *testing.T) {
		require := require.New(t)
		idp := authtest.New(t)
		idp.OmitTokenEndpoint()
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		err := o.Discover(context.Background())
		require.Error(err)

		var dErr *flow.DiscoveryError
		require.ErrorAs(err, &dErr)
		require.ErrorIs(err, flow.ErrDiscoveryIncomplete)
	})

	t.Run("unreachable-issuer", func(t *testing.T) {
		idp := authtest.New(t)
		cfg := idp.RealmConfig(redirectURI)
		cfg.BaseURL = "http://127.0.0.1:1"
		o := flow.NewOrchestrator(cfg, nil)

		var dErr *flow.DiscoveryError
		require.ErrorAs(t, o.Discover(context.Background()), &dErr)
	})
}

func TestAuthCodeURL(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	idp := authtest.New(t)
	o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

	pair, err := pkce.NewPair()
	require.NoError(err)

	raw := o.AuthCodeURL(pair, "st-1", "n-1", "")
	u, err := url.Parse(raw)
	require.NoError(err)

	q := u.Query()
	assert.Equal("code", q.Get("response_type"))
	assert.Equal("agent-client", q.Get("client_id"))
	assert.Equal(redirectURI, q.Get("redirect_uri"))
	assert.Equal(pair.Challenge, q.Get("code_challenge"))
	assert.Equal("S256", q.Get("code_challenge_method"))
	assert.Equal("st-1", q.Get("state"))
	assert.Equal("n-1", q.Get("nonce"))
	assert.Contains(q.Get("scope"), "openid")
	assert.Empty(q.Get("idp_hint"))

	// Same attempt with an IdP hint routes the user to that provider.
	withHint, err := url.Parse(o.AuthCodeURL(pair, "st-1", "n-1", "google"))
	require.NoError(err)
	assert.Equal("google", withHint.Query().Get("idp_hint"))
}

func TestExchange(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		idp := authtest.New(t)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		pair, err := pkce.NewPair()
		require.NoError(err)
		idp.SetExpectedAuthCode("code-1")
		idp.SetExpectedChallenge(pair.Challenge)
		idp.SetAccessTTL(time.Hour)

		set, err := o.Exchange(context.Background(), "code-1", pair.Verifier, "n-1")
		require.NoError(err)
		require.NotNil(set)
		assert.NotEmpty(set.AccessToken)
		assert.NotEmpty(set.RefreshToken)
		assert.True(set.Valid())

		// Expiry comes from the access token's embedded exp claim.
		assert.WithinDuration(time.Now().Add(time.Hour), set.Expiry, time.Minute)

		form := idp.LastTokenForm()
		assert.Equal("authorization_code", form.Get("grant_type"))
		assert.Equal(pair.Verifier, form.Get("code_verifier"))
		assert.Equal(redirectURI, form.Get("redirect_uri"))
	})

	t.Run("wrong-verifier", func(t *testing.T) {
		require := require.New(t)
		idp := authtest.New(t)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		pair, err := pkce.NewPair()
		require.NoError(err)
		idp.SetExpectedChallenge(pair.Challenge)

		_, err = o.Exchange(context.Background(), "code-1", "not-the-verifier", "")
		var xErr *flow.TokenExchangeError
		require.ErrorAs(err, &xErr)
		require.Equal(400, xErr.Status)
	})

	t.Run("non-2xx", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		idp := authtest.New(t)
		idp.FailExchange(400, `{"error":"invalid_grant"}`)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		_, err := o.Exchange(context.Background(), "code-1", "v", "")
		var xErr *flow.TokenExchangeError
		require.ErrorAs(err, &xErr)
		assert.Equal(400, xErr.Status)
		assert.Contains(xErr.Body, "invalid_grant")
	})

	t.Run("missing-access-token", func(t *testing.T) {
		require := require.New(t)
		idp := authtest.New(t)
		idp.OmitAccessToken()
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		_, err := o.Exchange(context.Background(), "code-1", "v", "")
		var xErr *flow.TokenExchangeError
		require.ErrorAs(err, &xErr)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("preserves-unrotated-refresh-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		idp := authtest.New(t)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		set, err := o.Refresh(context.Background(), "rt-old")
		require.NoError(err)
		assert.NotEmpty(set.AccessToken)
		assert.Equal("rt-old", set.RefreshToken)
		assert.Equal(1, idp.RefreshCalls())
	})

	t.Run("adopts-rotated-refresh-token", func(t *testing.T) {
		require := require.New(t)
		idp := authtest.New(t)
		idp.SetRotatedRefreshToken("rt-new")
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		set, err := o.Refresh(context.Background(), "rt-old")
		require.NoError(err)
		require.Equal("rt-new", set.RefreshToken)
	})

	t.Run("non-2xx", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		idp := authtest.New(t)
		idp.FailRefresh(400, `{"error":"invalid_grant"}`)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		_, err := o.Refresh(context.Background(), "rt-revoked")
		var rErr *flow.RefreshError
		require.ErrorAs(err, &rErr)
		assert.Equal(400, rErr.Status)
		assert.Contains(rErr.Body, "invalid_grant")

		// Exactly one network call: refresh failures are never retried.
		assert.Equal(1, idp.RefreshCalls())
	})

	t.Run("refresh-error-is-not-an-exchange-error", func(t *testing.T) {
		idp := authtest.New(t)
		idp.FailRefresh(400, `{"error":"invalid_grant"}`)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		_, err := o.Refresh(context.Background(), "rt")
		var xErr *flow.TokenExchangeError
		require.False(t, errors.As(err, &xErr))
	})
}

func TestUserinfo(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		idp := authtest.New(t)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		claims, err := o.Userinfo(context.Background(), idp.MintAccessToken(time.Hour))
		require.NoError(err)
		assert.Equal("u-1", claims["sub"])
		assert.Equal("tuser", claims["preferred_username"])
	})

	t.Run("non-2xx", func(t *testing.T) {
		idp := authtest.New(t)
		idp.FailUserinfo(503)
		o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

		_, err := o.Userinfo(context.Background(), "token")
		require.Error(t, err)
	})
}

func TestRemoteLogout(t *testing.T) {
	require := require.New(t)
	idp := authtest.New(t)
	o := flow.NewOrchestrator(idp.RealmConfig(redirectURI), nil)

	require.NoError(o.RemoteLogout(context.Background(), "id-token-hint"))
	require.Equal(1, idp.EndSessionCalls())
}

func TestTokenSetExpired(t *testing.T) {
	assert := assert.New(t)

	assert.False((&flow.TokenSet{AccessToken: "at"}).Expired(), "zero expiry never expires")
	assert.True((&flow.TokenSet{AccessToken: "at", Expiry: time.Now().Add(-time.Minute)}).Expired())
	assert.False((&flow.TokenSet{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}).Expired())

	// Within the skew counts as expired.
	assert.True((&flow.TokenSet{AccessToken: "at", Expiry: time.Now().Add(5 * time.Second)}).Expired())
}

func TestTokenClaims(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	idp := authtest.New(t)

	claims, err := flow.TokenClaims(idp.MintAccessToken(time.Hour))
	require.NoError(err)
	assert.Equal("u-1", claims["sub"])

	_, err = flow.TokenClaims("not-a-jwt")
	require.Error(err)
}
