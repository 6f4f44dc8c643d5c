// Package pointer persists the active session id so a restarted client can
// reconnect to the session it was in.
package pointer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is a durable single-slot key/value holder.
type Store interface {
	Load() (string, bool, error)
	Save(sessionID string) error
	Clear() error
}

type state struct {
	ActiveSession string `yaml:"active_session"`
}

// FileStore keeps the slot in a small YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created lazily.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state file: %w", err)
	}

	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return "", false, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st.ActiveSession, st.ActiveSession != "", nil
}

func (s *FileStore) Save(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(state{ActiveSession: sessionID})
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func (s *FileStore) write(st state) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// MemoryStore is a non-durable Store for tests and ephemeral clients.
type MemoryStore struct {
	mu    sync.Mutex
	value string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.value != "", nil
}

func (m *MemoryStore) Save(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = sessionID
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = ""
	return nil
}
