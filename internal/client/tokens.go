package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore holds the client-local session credentials. Implementations must
// be safe for concurrent use.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(accessToken, refreshToken string) error
	Clear() error
}

// MemoryTokenStore keeps tokens in process memory only.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryTokenStore returns an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// AccessToken returns the current access token, empty when logged out.
func (s *MemoryTokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token, empty when logged out.
func (s *MemoryTokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetTokens replaces both tokens.
func (s *MemoryTokenStore) SetTokens(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = accessToken
	s.refresh = refreshToken
	return nil
}

// Clear wipes both tokens.
func (s *MemoryTokenStore) Clear() error {
	return s.SetTokens("", "")
}

type tokenFilePayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// FileTokenStore persists tokens as a JSON file so sessions survive process
// restarts. Reads are served from memory after the initial load.
type FileTokenStore struct {
	mu      sync.RWMutex
	path    string
	access  string
	refresh string
}

// NewFileTokenStore loads any previously persisted tokens from path.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	store := &FileTokenStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var payload tokenFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	store.access = payload.AccessToken
	store.refresh = payload.RefreshToken
	return store, nil
}

// AccessToken returns the current access token.
func (s *FileTokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token.
func (s *FileTokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetTokens replaces both tokens and persists them.
func (s *FileTokenStore) SetTokens(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = accessToken
	s.refresh = refreshToken
	return s.persist()
}

// Clear wipes both tokens and removes the file.
func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) persist() error {
	data, err := json.Marshal(tokenFilePayload{AccessToken: s.access, RefreshToken: s.refresh})
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("prepare token directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
