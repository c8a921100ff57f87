package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoRecord means no durable session exists
var ErrNoRecord = errors.New("no session record")

// RecordStore keeps the serialized session under a single well-known key.
// SessionStore is its only writer.
type RecordStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Delete() error
}

// FileRecordStore keeps the record in <dir>/<key>.json
type FileRecordStore struct {
	dir string
	key string
}

func NewFileRecordStore(dir, key string) *FileRecordStore {
	return &FileRecordStore{dir: dir, key: key}
}

// Path returns the record location
func (s *FileRecordStore) Path() string {
	return filepath.Join(s.dir, s.key+".json")
}

func (s *FileRecordStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	return data, nil
}

// Save replaces the record atomically
func (s *FileRecordStore) Save(data []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, s.key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict session record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session record: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("failed to replace session record: %w", err)
	}
	return nil
}

// Delete removes the record; a missing record is not an error
func (s *FileRecordStore) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// MemoryRecordStore keeps the record in memory
type MemoryRecordStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

func (s *MemoryRecordStore) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrNoRecord
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryRecordStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryRecordStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
