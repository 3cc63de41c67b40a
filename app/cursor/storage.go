package cursor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Storage persists the opaque cursor blob of one source. Load returns nil
// data and no error when nothing has been saved yet.
type Storage interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileStorage keeps the cursor in a single file. Writes go through a
// temporary file and a rename so a crash never leaves a half-written cursor.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// NewStateDirStorage returns the file storage for slug under dir.
func NewStateDirStorage(dir, slug string) *FileStorage {
	return NewFileStorage(filepath.Join(dir, slug+".cursor"))
}

func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}
	return data, nil
}

func (s *FileStorage) Save(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cursor dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cursor file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cursor file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}

type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
	// Saves counts successful writes.
	Saves int
}

func NewMemoryStorage(initial []byte) *MemoryStorage {
	return &MemoryStorage{data: initial}
}

func (s *MemoryStorage) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStorage) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	s.Saves++
	return nil
}
