// Package auth owns the process's single authentication session: a state
// machine over the OAuth2/OIDC authorization code flow with PKCE, plus the
// background refresh scheduler bound to it.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brizzai/oidc-agent/internal/auth/browser"
	"github.com/brizzai/oidc-agent/internal/auth/flow"
	"github.com/brizzai/oidc-agent/internal/auth/identity"
	"github.com/brizzai/oidc-agent/internal/auth/pkce"
	"github.com/brizzai/oidc-agent/internal/auth/store"
	"github.com/brizzai/oidc-agent/internal/config"
	"github.com/brizzai/oidc-agent/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the session state machine's current position.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateLoggingOut      State = "logging_out"
)

var (
	// ErrLoginInProgress rejects a login while one is already running.
	// Rejected immediately, never queued.
	ErrLoginInProgress = errors.New("login already in progress")

	// ErrAlreadyAuthenticated rejects a login over a live session.
	ErrAlreadyAuthenticated = errors.New("a session is already active")

	// ErrNotAuthenticated rejects operations that need a live session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Session pairs the authenticated user with their token set. It exists if
// and only if the state machine is in an authenticated-family state.
type Session struct {
	User   *identity.User
	Tokens *flow.TokenSet
}

// Snapshot is the read-only view handed to callers.
type Snapshot struct {
	User            *identity.User `yaml:"user"`
	IsAuthenticated bool           `yaml:"is_authenticated"`
	IsLoading       bool           `yaml:"is_loading"`
}

// Service is the session state machine. It is the sole owner of mutable
// session state: every login, logout, refresh and attribute update
// serializes through it. One Service per process.
type Service struct {
	cfg    *config.Config
	flow   *flow.Orchestrator
	opener browser.Opener
	tokens *store.TokenStore

	mu          sync.Mutex
	state       State
	session     *Session
	lastRefresh time.Time
	onChange    []func(State)
}

// NewService creates the session state machine. It performs no I/O;
// Bootstrap restores a prior session, Login starts a new one.
func NewService(cfg *config.Config, orchestrator *flow.Orchestrator, opener browser.Opener, tokens *store.TokenStore) *Service {
	return &Service{
		cfg:    cfg,
		flow:   orchestrator,
		opener: opener,
		tokens: tokens,
		state:  StateUnauthenticated,
	}
}

// OnChange registers a state transition observer. Observers run with the
// service's lock held and must not call back into the Service; a
// non-blocking channel send is the intended use. Register before the first
// operation.
func (s *Service) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the caller-facing session view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		IsAuthenticated: s.state == StateAuthenticated || s.state == StateRefreshing,
		IsLoading:       s.state == StateAuthenticating || s.state == StateRefreshing || s.state == StateLoggingOut,
	}
	if s.session != nil && s.session.User != nil {
		snap.User = s.session.User.Clone()
	}
	return snap
}

// Login runs the interactive authorization code flow with PKCE.
func (s *Service) Login(ctx context.Context) error {
	return s.login(ctx, "")
}

// LoginWithGoogle is Login with the IdP hint routing the user to Google.
func (s *Service) LoginWithGoogle(ctx context.Context) error {
	return s.login(ctx, "google")
}

// LoginWithProvider is Login with an arbitrary IdP hint.
func (s *Service) LoginWithProvider(ctx context.Context, idpHint string) error {
	return s.login(ctx, idpHint)
}

func (s *Service) login(ctx context.Context, idpHint string) error {
	s.mu.Lock()
	switch s.state {
	case StateAuthenticating:
		s.mu.Unlock()
		return ErrLoginInProgress
	case StateAuthenticated, StateRefreshing, StateLoggingOut:
		s.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	s.setStateLocked(StateAuthenticating)
	s.mu.Unlock()

	session, err := s.runLogin(ctx, idpHint)
	if err != nil {
		s.mu.Lock()
		s.session = nil
		s.setStateLocked(StateUnauthenticated)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.session = session
	s.lastRefresh = time.Time{}
	s.setStateLocked(StateAuthenticated)
	s.mu.Unlock()

	logger.Info("login complete", zap.String("user", session.User.Username))
	return nil
}

// runLogin performs the flow legs outside the lock. The Authenticating
// state is the login in-flight guard; the opener additionally guards the
// interactive resource itself.
func (s *Service) runLogin(ctx context.Context, idpHint string) (*Session, error) {
	// One PKCE pair, state and nonce per attempt, never reused.
	pair, err := pkce.NewPair()
	if err != nil {
		return nil, err
	}
	attemptState := uuid.NewString()
	nonce := uuid.NewString()

	authURL := s.flow.AuthCodeURL(pair, attemptState, nonce, idpHint)
	code, err := s.opener.Open(ctx, authURL, attemptState)
	if err != nil {
		return nil, err
	}

	set, err := s.flow.Exchange(ctx, code, pair.Verifier, nonce)
	if err != nil {
		return nil, err
	}

	s.persist(set)
	return &Session{User: s.resolveUser(ctx, set), Tokens: set}, nil
}

// RefreshToken refreshes the session's tokens. With force false the refresh
// policy applies: skip while the token still has more than the configured
// buffer of validity, and suppress attempts inside the cooldown window
// since the last successful refresh. An already expired token always
// overrides the cooldown. A refresh already in flight makes
// this a no-op. A failed refresh is never retried: it forces a full local
// logout.
func (s *Service) RefreshToken(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.state == StateRefreshing {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateAuthenticated || s.session == nil || s.session.Tokens == nil {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}

	tokens := s.session.Tokens
	expired := tokens.Expired()
	if !force && !expired {
		if tokens.Expiry.IsZero() || time.Until(tokens.Expiry) > s.cfg.Refresh.Buffer {
			s.mu.Unlock()
			return nil
		}
		if !s.lastRefresh.IsZero() && time.Since(s.lastRefresh) < s.cfg.Refresh.Cooldown {
			s.mu.Unlock()
			return nil
		}
	}

	refreshToken := tokens.RefreshToken
	s.setStateLocked(StateRefreshing)
	s.mu.Unlock()

	if refreshToken == "" {
		s.failRefresh(errors.New("no refresh token in session"))
		return ErrNotAuthenticated
	}

	set, err := s.flow.Refresh(ctx, refreshToken)
	if err != nil {
		// Fail closed: a refresh rejection means the credentials are gone;
		// retrying would only mask it.
		s.failRefresh(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRefreshing {
		// A logout raced the refresh; its clear wins, in storage too.
		return nil
	}
	s.session.Tokens = set
	s.lastRefresh = time.Now()
	// Persisting under the lock keeps the commit and the store write atomic
	// against a logout's state change; a clear observed here can never be
	// overwritten by this refresh.
	s.persist(set)
	s.setStateLocked(StateAuthenticated)
	return nil
}

// failRefresh cascades a refresh failure to a full local logout.
func (s *Service) failRefresh(err error) {
	logger.Warn("token refresh failed, clearing session", zap.Error(err))

	s.mu.Lock()
	s.session = nil
	s.lastRefresh = time.Time{}
	s.setStateLocked(StateUnauthenticated)
	s.mu.Unlock()

	if err := s.tokens.Clear(); err != nil {
		logger.Warn("failed to clear stored tokens", zap.Error(err))
	}
}

// Logout clears local session state unconditionally and immediately. Remote
// revocation runs afterwards on its own error channel; it can neither block
// nor undo the local clear.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateUnauthenticated || s.state == StateLoggingOut {
		s.mu.Unlock()
		return nil
	}
	var idToken string
	if s.session != nil && s.session.Tokens != nil {
		idToken = s.session.Tokens.IDToken
	}
	s.setStateLocked(StateLoggingOut)
	s.session = nil
	s.lastRefresh = time.Time{}
	s.setStateLocked(StateUnauthenticated)
	s.mu.Unlock()

	if err := s.tokens.Clear(); err != nil {
		logger.Warn("failed to clear stored tokens", zap.Error(err))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.flow.RemoteLogout(ctx, idToken); err != nil {
			logger.Warn("remote logout failed", zap.Error(err))
		}
	}()

	return nil
}

// UpdateAttribute mutates one updatable user field and recomputes the
// derived fields. Outside Authenticated it is a no-op reporting failure.
func (s *Service) UpdateAttribute(field identity.Field, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated || s.session == nil || s.session.User == nil {
		return false
	}
	if err := s.session.User.Apply(field, value); err != nil {
		logger.Warn("attribute update rejected", zap.String("field", string(field)), zap.Error(err))
		return false
	}
	return true
}

// Bootstrap restores a session from stored tokens with one silent refresh.
// Failure is not an error: the stored tokens are cleared and the agent
// starts unauthenticated.
func (s *Service) Bootstrap(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateUnauthenticated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	stored := s.tokens.Load()
	if stored.RefreshToken == "" {
		return
	}

	set, err := s.flow.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		logger.Warn("silent bootstrap refresh failed", zap.Error(err))
		if err := s.tokens.Clear(); err != nil {
			logger.Warn("failed to clear stored tokens", zap.Error(err))
		}
		return
	}

	user := s.resolveUser(ctx, set)

	s.mu.Lock()
	if s.state != StateUnauthenticated {
		s.mu.Unlock()
		return
	}
	s.session = &Session{User: user, Tokens: set}
	s.lastRefresh = time.Now()
	s.persist(set)
	s.setStateLocked(StateAuthenticated)
	s.mu.Unlock()

	logger.Info("session restored from stored tokens", zap.String("user", user.Username))
}

// resolveUser maps identity claims to a User: userinfo first, the access
// token's own claims when userinfo is unreachable, bare defaults when both
// fail. Mapping never aborts a login that produced tokens.
func (s *Service) resolveUser(ctx context.Context, set *flow.TokenSet) *identity.User {
	claims, err := s.flow.Userinfo(ctx, set.AccessToken)
	if err != nil {
		logger.Debug("userinfo unavailable, falling back to token claims", zap.Error(err))
		claims, err = flow.TokenClaims(set.AccessToken)
		if err != nil {
			logger.Warn("access token carries no readable claims", zap.Error(err))
			claims = map[string]any{}
		}
	}
	return identity.Map(claims)
}

// persist writes the token set; storage failures degrade to a warning, the
// in-memory session stays authoritative.
func (s *Service) persist(set *flow.TokenSet) {
	err := s.tokens.Save(store.Tokens{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
	})
	if err != nil {
		logger.Warn("failed to persist tokens", zap.Error(err))
	}
}

// setStateLocked transitions the state machine and notifies observers.
// Callers hold s.mu.
func (s *Service) setStateLocked(next State) {
	if s.state == next {
		return
	}
	logger.Debug("session state transition",
		zap.String("from", string(s.state)), zap.String("to", string(next)))
	s.state = next
	for _, fn := range s.onChange {
		fn(next)
	}
}
