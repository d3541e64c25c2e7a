// Package browser opens the interactive leg of the authorization code flow:
// it launches the system browser at the authorization URL and collects the
// code from the redirect on a loopback listener.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/brizzai/oidc-agent/internal/logger"
	"go.uber.org/zap"
)

var (
	// ErrAuthInProgress rejects a second interactive login while one is
	// still open. Rejected immediately, never queued.
	ErrAuthInProgress = errors.New("an interactive login is already in progress")

	// ErrStateMismatch indicates a callback that does not belong to the
	// pending login attempt.
	ErrStateMismatch = errors.New("authorization response state does not match the login attempt")
)

// DeniedError carries an IdP error response delivered on the callback.
type DeniedError struct {
	Code        string
	Description string
}

func (e *DeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization denied: %s", e.Code)
}

// Opener obtains an authorization code for an authorization URL, or a
// cancellation/denial. Implementations own the interactive resource.
type Opener interface {
	Open(ctx context.Context, authURL, expectedState string) (code string, err error)
}

// Loopback is the default Opener: it binds the configured redirect URI on
// the loopback interface, launches the system browser, and waits for the
// IdP to redirect back. At most one Open may be pending per process.
type Loopback struct {
	redirectURI string
	inFlight    atomic.Bool

	// launch is swappable so tests don't open a real browser.
	launch func(url string) error
}

var _ Opener = (*Loopback)(nil)

func NewLoopback(redirectURI string) *Loopback {
	return &Loopback{
		redirectURI: redirectURI,
		launch:      launchBrowser,
	}
}

type callbackResult struct {
	code string
	err  error
}

// Open starts the interactive session. The listener is released on every
// exit path: success, denial, IdP error, or context cancellation.
func (l *Loopback) Open(ctx context.Context, authURL, expectedState string) (string, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return "", ErrAuthInProgress
	}
	defer l.inFlight.Store(false)

	redirect, err := url.Parse(l.redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri %q: %w", l.redirectURI, err)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("failed to bind callback listener on %s: %w", redirect.Host, err)
	}
	defer func() { _ = listener.Close() }()

	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		result := parseCallback(r.URL.Query(), expectedState)
		if result.err != nil {
			http.Error(w, "Login failed. You can close this window.", http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprint(w, "<html><body>Login complete. You can close this window.</body></html>")
		}
		// First callback wins; strays after it are ignored.
		select {
		case resultCh <- result:
		default:
		}
	})

	server := &http.Server{Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := l.launch(authURL); err != nil {
		// Not fatal: the user can still follow the URL by hand.
		logger.Warn("failed to launch browser, open the URL manually",
			zap.String("url", authURL), zap.Error(err))
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-serveErrCh:
		return "", fmt.Errorf("callback listener failed: %w", err)
	case result := <-resultCh:
		return result.code, result.err
	}
}

func parseCallback(q url.Values, expectedState string) callbackResult {
	if errCode := q.Get("error"); errCode != "" {
		return callbackResult{err: &DeniedError{
			Code:        errCode,
			Description: q.Get("error_description"),
		}}
	}
	if q.Get("state") != expectedState {
		return callbackResult{err: ErrStateMismatch}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("authorization response missing code")}
	}
	return callbackResult{code: code}
}

func launchBrowser(url string) error {
	var cmd string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler"}
	default:
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}
