package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeRedirectURI reserves a loopback port for the test's redirect URI.
func freeRedirectURI(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return fmt.Sprintf("http://%s/callback", addr)
}

// stubLaunch replaces the browser with an HTTP client that immediately
// drives the callback.
func stubLaunch(t *testing.T, redirectURI string, params url.Values) func(string) error {
	t.Helper()
	return func(authURL string) error {
		go func() {
			// Give the listener a beat to come up; it is already bound by
			// the time launch runs, this just avoids a racy dial.
			time.Sleep(10 * time.Millisecond)
			resp, err := http.Get(redirectURI + "?" + params.Encode())
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
}

func TestLoopbackOpen(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		require := require.New(t)
		redirectURI := freeRedirectURI(t)

		l := NewLoopback(redirectURI)
		l.launch = stubLaunch(t, redirectURI, url.Values{
			"code":  {"code-42"},
			"state": {"st-1"},
		})

		code, err := l.Open(context.Background(), "http://idp.example.com/auth", "st-1")
		require.NoError(err)
		require.Equal("code-42", code)
	})

	t.Run("state-mismatch", func(t *testing.T) {
		redirectURI := freeRedirectURI(t)

		l := NewLoopback(redirectURI)
		l.launch = stubLaunch(t, redirectURI, url.Values{
			"code":  {"code-42"},
			"state": {"forged"},
		})

		_, err := l.Open(context.Background(), "http://idp.example.com/auth", "st-1")
		require.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("idp-denial", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		redirectURI := freeRedirectURI(t)

		l := NewLoopback(redirectURI)
		l.launch = stubLaunch(t, redirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"user cancelled"},
		})

		_, err := l.Open(context.Background(), "http://idp.example.com/auth", "st-1")
		var denied *DeniedError
		require.ErrorAs(err, &denied)
		assert.Equal("access_denied", denied.Code)
		assert.Equal("user cancelled", denied.Description)
	})

	t.Run("cancellation-releases-listener", func(t *testing.T) {
		require := require.New(t)
		redirectURI := freeRedirectURI(t)

		l := NewLoopback(redirectURI)
		l.launch = func(string) error { return nil } // nobody ever calls back

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := l.Open(ctx, "http://idp.example.com/auth", "st-1")
		require.ErrorIs(err, context.Canceled)

		// The listener was released: a fresh attempt can bind again.
		l.launch = stubLaunch(t, redirectURI, url.Values{"code": {"c"}, "state": {"st-2"}})
		code, err := l.Open(context.Background(), "http://idp.example.com/auth", "st-2")
		require.NoError(err)
		require.Equal("c", code)
	})

	t.Run("second-open-rejected-immediately", func(t *testing.T) {
		require := require.New(t)
		redirectURI := freeRedirectURI(t)

		l := NewLoopback(redirectURI)
		l.launch = func(string) error { return nil }

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Open(ctx, "http://idp.example.com/auth", "st-1")
		}()

		// Wait until the first attempt holds the guard.
		require.Eventually(func() bool { return l.inFlight.Load() }, time.Second, time.Millisecond)

		_, err := l.Open(context.Background(), "http://idp.example.com/auth", "st-2")
		require.ErrorIs(err, ErrAuthInProgress)

		cancel()
		wg.Wait()
	})
}

func TestParseCallback(t *testing.T) {
	t.Run("missing-code", func(t *testing.T) {
		result := parseCallback(url.Values{"state": {"st-1"}}, "st-1")
		require.Error(t, result.err)
	})
}
