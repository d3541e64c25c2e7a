// Package store persists the session's tokens through a pluggable secure
// key/value backend. Values are opaque strings; no schema is enforced.
package store

import (
	"errors"
	"sync"

	"github.com/brizzai/oidc-agent/internal/logger"
	"go.uber.org/zap"
)

// ErrStorage wraps any backend failure. Callers reading tokens should treat
// it as "token absent" rather than aborting; TokenStore already does.
var ErrStorage = errors.New("secure storage failure")

// Secure is the secure key/value collaborator behind the token store. The
// backend is selected at runtime (encrypted file, platform keystore, an
// in-memory store for tests); this package only depends on the contract.
type Secure interface {
	// Put stores value under key, replacing any previous value.
	Put(key, value string) error

	// Get returns the value under key. The bool reports presence; a missing
	// key is not an error.
	Get(key string) (string, bool, error)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Clear removes every key.
	Clear() error
}

// Fixed keys for persisted session state.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyIDToken      = "id_token"
)

// Tokens is the persisted shape of a token set. Empty fields are simply not
// stored.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// TokenStore reads and writes the session's tokens under the fixed keys.
// Backend read failures degrade to "absent" with a warning; they never
// propagate to the caller.
type TokenStore struct {
	backend Secure
}

func NewTokenStore(backend Secure) *TokenStore {
	return &TokenStore{backend: backend}
}

// Save replaces the persisted token set wholesale.
func (s *TokenStore) Save(t Tokens) error {
	pairs := map[string]string{
		KeyAccessToken:  t.AccessToken,
		KeyRefreshToken: t.RefreshToken,
		KeyIDToken:      t.IDToken,
	}
	for key, value := range pairs {
		if value == "" {
			if err := s.backend.Delete(key); err != nil {
				return errors.Join(ErrStorage, err)
			}
			continue
		}
		if err := s.backend.Put(key, value); err != nil {
			return errors.Join(ErrStorage, err)
		}
	}
	return nil
}

// Load reads the persisted token set. Any backend failure is logged and the
// affected token reported absent.
func (s *TokenStore) Load() Tokens {
	return Tokens{
		AccessToken:  s.get(KeyAccessToken),
		RefreshToken: s.get(KeyRefreshToken),
		IDToken:      s.get(KeyIDToken),
	}
}

func (s *TokenStore) get(key string) string {
	value, ok, err := s.backend.Get(key)
	if err != nil {
		logger.Warn("secure storage read failed, treating token as absent",
			zap.String("key", key), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return value
}

// Clear deletes every persisted token.
func (s *TokenStore) Clear() error {
	if err := s.backend.Clear(); err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

// Memory is an in-process Secure backend. It backs tests and the "memory"
// storage configuration.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

var _ Secure = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}
