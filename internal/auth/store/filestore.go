package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// File layout: 16-byte argon2 salt, 24-byte secretbox nonce, sealed JSON map.
const (
	saltLen  = 16
	nonceLen = 24
)

// File is a Secure backend that keeps the key/value map in a single
// passphrase-encrypted file. It is the portable fallback for platforms
// without a native keystore.
type File struct {
	path       string
	passphrase string

	mu sync.Mutex
}

var _ Secure = (*File)(nil)

func NewFile(path, passphrase string) *File {
	return &File{path: path, passphrase: passphrase}
}

func (f *File) Put(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.persist(values)
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.persist(values)
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", f.path, err)
	}
	return nil
}

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	if len(raw) < saltLen+nonceLen {
		return nil, fmt.Errorf("%s is truncated", f.path)
	}

	var salt [saltLen]byte
	var nonce [nonceLen]byte
	copy(salt[:], raw[:saltLen])
	copy(nonce[:], raw[saltLen:saltLen+nonceLen])

	key := f.deriveKey(salt)
	plain, ok := secretbox.Open(nil, raw[saltLen+nonceLen:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("failed to decrypt %s: wrong passphrase or corrupt file", f.path)
	}

	var values map[string]string
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.path, err)
	}
	return values, nil
}

func (f *File) persist(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return err
	}

	var salt [saltLen]byte
	var nonce [nonceLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("unable to read random bytes: %w", err)
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("unable to read random bytes: %w", err)
	}

	key := f.deriveKey(salt)
	sealed := secretbox.Seal(nil, plain, &nonce, &key)

	out := make([]byte, 0, saltLen+nonceLen+len(sealed))
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)

	dir := filepath.Dir(f.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	// Write-then-rename so a crash mid-write can't leave a half-sealed file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

func (f *File) deriveKey(salt [saltLen]byte) [32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(f.passphrase), salt[:], 1, 64*1024, 4, 32))
	return key
}
