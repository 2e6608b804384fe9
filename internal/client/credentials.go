package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoCredentials is returned by a CredentialStore that holds nothing.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials are the tokens a signed-in client carries.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Email        string    `json:"email,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
}

// CredentialStore persists Credentials between runs.
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(creds *Credentials) error
	Clear() error
}

// FileCredentialStore keeps credentials in a JSON file readable only by its owner.
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: os.ExpandEnv(path)}
}

// Path returns the expanded file location.
func (s *FileCredentialStore) Path() string { return s.path }

func (s *FileCredentialStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", s.path, err)
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, ErrNoCredentials
	}
	return &creds, nil
}

func (s *FileCredentialStore) Save(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

func (s *FileCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryCredentialStore holds credentials for the life of the process.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds *Credentials
}

func NewMemoryCredentialStore(creds *Credentials) *MemoryCredentialStore {
	s := &MemoryCredentialStore{}
	if creds != nil {
		copied := *creds
		s.creds = &copied
	}
	return s
}

func (s *MemoryCredentialStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNoCredentials
	}
	copied := *s.creds
	return &copied, nil
}

func (s *MemoryCredentialStore) Save(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *creds
	s.creds = &copied
	return nil
}

func (s *MemoryCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}
