// Package history persists the schema history of a pipeline.
package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/logging"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
)

const frameHeaderSize = 8

// FileStore is an append-only history file. Each record is framed as
// [length:4][crc32:4][snappy(json)] with little-endian integers.
type FileStore struct {
	path string
	file *os.File
	mu   sync.Mutex
	log  hclog.Logger
}

// NewFileStore opens or creates the history file at path. A torn record left by a
// crash is cut off so later appends stay readable.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	s := &FileStore{path: path, file: file, log: logging.Named("history")}
	_, valid, err := readFrames(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat history file: %w", err)
	}
	if valid < stat.Size() {
		s.log.Warn("Truncating torn schema history record", "path", path, "valid", valid, "size", stat.Size())
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate history file: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek history file: %w", err)
	}
	return s, nil
}

// Append writes one entry and fsyncs
func (s *FileStore) Append(_ context.Context, entry schema.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize history entry: %w", err)
	}
	payload := snappy.Encode(nil, data)

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(frame); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync history: %w", err)
	}
	return nil
}

// Load reads every intact entry in append order
func (s *FileStore) Load(context.Context) ([]schema.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()
	entries, _, err := readFrames(f)
	return entries, err
}

// Reset empties the history file
func (s *FileStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate history file: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// readFrames decodes records from the start of r and returns them with the byte length
// of the intact prefix. Reading stops at the first short or corrupt record.
func readFrames(r io.ReadSeeker) ([]schema.HistoryEntry, int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	var (
		entries []schema.HistoryEntry
		valid   int64
		header  [frameHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return entries, valid, nil
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return entries, valid, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return entries, valid, nil
		}
		data, err := snappy.Decode(nil, payload)
		if err != nil {
			return entries, valid, nil
		}
		var entry schema.HistoryEntry
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&entry); err != nil {
			return nil, valid, fmt.Errorf("corrupt history entry at offset %d: %w", valid, err)
		}
		entries = append(entries, entry)
		valid += int64(frameHeaderSize) + int64(length)
	}
}
