// Package secrets is an opaque secret store: get/put/delete by key,
// backed by one file per key with restrictive permissions. It stands in
// for a platform keychain and is never on the event delivery path.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("secrets: not found")

// Store keeps each secret in dir/<key>, mode 0600.
type Store struct {
	dir string
}

// New returns a store rooted at dir. The directory is created lazily on
// the first Put.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("secrets: invalid key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Get returns the secret for key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("secrets: reading %s: %w", key, err)
	}
	return string(data), nil
}

// Put stores value under key.
func (s *Store) Put(key, value string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("secrets: creating dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(value), 0o600); err != nil {
		return fmt.Errorf("secrets: writing %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("secrets: deleting %s: %w", key, err)
	}
	return nil
}
