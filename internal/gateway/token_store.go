package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore persists the current session between process runs.
type TokenStore interface {
	Load() (*Session, error)
	Save(session *Session) error
	Clear() error
}

// MemoryTokenStore keeps the session for the lifetime of the process.
type MemoryTokenStore struct {
	mu      sync.Mutex
	session *Session
}

// NewMemoryTokenStore returns a store seeded with an optional session.
func NewMemoryTokenStore(initial *Session) *MemoryTokenStore {
	return &MemoryTokenStore{session: cloneSession(initial)}
}

func (s *MemoryTokenStore) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSession(s.session), nil
}

func (s *MemoryTokenStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = cloneSession(session)
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// FileTokenStore keeps the session in a JSON file readable only by the owner.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore returns a store backed by the file at path.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	if path == "" {
		return nil, errors.New("gateway: session file path required")
	}
	return &FileTokenStore{path: path}, nil
}

func (s *FileTokenStore) Load() (*Session, error) {
	contents, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: read session file: %w", err)
	}
	var session Session
	if err := json.Unmarshal(contents, &session); err != nil {
		return nil, fmt.Errorf("gateway: decode session file: %w", err)
	}
	if session.AccessToken == "" {
		return nil, nil
	}
	return &session, nil
}

func (s *FileTokenStore) Save(session *Session) error {
	if session == nil {
		return s.Clear()
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("gateway: create session dir: %w", err)
		}
	}
	contents, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("gateway: encode session: %w", err)
	}
	if err := os.WriteFile(s.path, contents, 0o600); err != nil {
		return fmt.Errorf("gateway: write session file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gateway: remove session file: %w", err)
	}
	return nil
}

func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	copied := *session
	return &copied
}
