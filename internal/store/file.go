package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileStore keeps each document at <root>/<instance>/<kind>.json, written
// via a temp file plus rename so readers never observe partial content.
type FileStore struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// NewFileStore creates a store rooted at dir. A nil fs uses the OS
// filesystem; tests pass afero.NewMemMapFs().
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, root: dir}
}

func (s *FileStore) path(instanceID, kind string) string {
	return filepath.Join(s.root, instanceID, kind+".json")
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, instanceID, kind string, v any) (bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(instanceID, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read document %s/%s: %w", instanceID, kind, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode document %s/%s: %w", instanceID, kind, err)
	}
	return true, nil
}

// Save implements Store. The write is serialized per store so two writers
// cannot interleave their temp files.
func (s *FileStore) Save(_ context.Context, instanceID, kind string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", instanceID, kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(instanceID, kind)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}

	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document %s/%s: %w", instanceID, kind, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace document %s/%s: %w", instanceID, kind, err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, instanceID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path(instanceID, kind))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document %s/%s: %w", instanceID, kind, err)
	}
	return nil
}
