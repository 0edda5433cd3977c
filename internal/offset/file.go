package offset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// FileStore keeps the offset in a single JSON file replaced atomically on every save
type FileStore struct {
	path string
}

// NewFileStore stores the offset at path, creating parent directories as needed
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create offset directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(context.Context) (*cdc.Offset, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offset file: %w", err)
	}
	return cdc.DecodeOffset(data)
}

func (s *FileStore) Save(_ context.Context, offset cdc.Offset) error {
	data, err := cdc.EncodeOffset(offset)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create offset file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write offset file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync offset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close offset file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace offset file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
