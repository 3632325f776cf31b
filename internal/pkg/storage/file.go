package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps seen records in one JSON snapshot file, the original
// deployment format. Writes go through a temp file + rename so a crash never
// leaves a half-written snapshot.
type FileStore struct {
	path string

	mu      sync.Mutex
	records map[string]SeenRecord
}

var _ SeenStore = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, records: make(map[string]SeenRecord)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot file: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		// Matches the historical behavior: an unparsable snapshot starts fresh
		// instead of blocking startup.
		slog.Warn("snapshot file invalid JSON, starting fresh", "path", s.path)
		s.records = make(map[string]SeenRecord)
	}
	return nil
}

// persist writes the snapshot atomically. Caller holds s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) IsSeen(ctx context.Context, key, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return ok && rec.Version == version, nil
}

func (s *FileStore) MarkSeen(ctx context.Context, rec SeenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key()] = rec
	return s.persist()
}

func (s *FileStore) All(ctx context.Context) (map[string]SeenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SeenRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.persist()
}

func (s *FileStore) Close() error { return nil }
