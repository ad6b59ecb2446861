// Package auth manages the device's access token. The token itself is never
// stored; only its bcrypt hash is kept on disk, so a stolen device image
// does not leak operator credentials.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"sparkle/internal/domain/model"
	"sparkle/pkg/log"
)

// Store verifies and rotates the device token backed by a single hash file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a token store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Bootstrapped reports whether a token has ever been registered.
func (s *Store) Bootstrapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path)
	return err == nil
}

// Verify checks the presented token against the stored hash. An
// unregistered device rejects every token; pairing happens through the sync
// operation.
func (s *Store) Verify(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: device is not paired", model.ErrAuth)
	}
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
		return fmt.Errorf("%w: invalid token", model.ErrAuth)
	}
	return nil
}

// Register stores a new token. On an unpaired device the first registration
// is accepted unconditionally; afterwards the currently valid token must be
// presented to rotate.
func (s *Store) Register(current, next string) error {
	if next == "" {
		return fmt.Errorf("%w: empty token", model.ErrAuth)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if hash, err := os.ReadFile(s.path); err == nil {
		if bcrypt.CompareHashAndPassword(hash, []byte(current)) != nil {
			return fmt.Errorf("%w: token rotation requires the current token", model.ErrAuth)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	return s.writeHash(next)
}

// NewToken generates a fresh 32-byte random token, hex encoded, for the
// operator side.
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

func (s *Store) writeHash(token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, hash, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	log.Info("Device token registered")
	return nil
}
