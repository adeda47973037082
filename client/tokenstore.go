package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoToken is returned by TokenStore.Load when no token has been saved.
var ErrNoToken = errors.New("catalogd: no admin lock token stored")

// TokenStore persists the admin lock token between CLI invocations in a file
// readable only by its owner.
type TokenStore struct {
	path string
}

// DefaultTokenPath returns $XDG_CONFIG_HOME/catalogd/admin-token (usually
// ~/.config/catalogd/admin-token).
func DefaultTokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("catalogd: locate config dir: %w", err)
	}
	return filepath.Join(dir, "catalogd", "admin-token"), nil
}

// NewTokenStore returns a store at path, or at DefaultTokenPath when path is
// empty. A leading ~/ is expanded.
func NewTokenStore(path string) *TokenStore {
	path = strings.TrimSpace(path)
	if path == "" {
		path, _ = DefaultTokenPath()
	} else if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return &TokenStore{path: path}
}

// Path returns the backing file.
func (s *TokenStore) Path() string {
	return s.path
}

// Save writes token with 0600 permissions, replacing any previous token.
func (s *TokenStore) Save(token string) error {
	if s.path == "" {
		return fmt.Errorf("catalogd: token store path unresolved")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("catalogd: refusing to store empty token")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("catalogd: create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".admin-token-*")
	if err != nil {
		return fmt.Errorf("catalogd: create token file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("catalogd: chmod token file: %w", err)
	}
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("catalogd: write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("catalogd: close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("catalogd: install token file: %w", err)
	}
	return nil
}

// Load returns the stored token or ErrNoToken.
func (s *TokenStore) Load() (string, error) {
	if s.path == "" {
		return "", ErrNoToken
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("catalogd: read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Clear removes the stored token. A missing file is not an error.
func (s *TokenStore) Clear() error {
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("catalogd: remove token file: %w", err)
	}
	return nil
}
