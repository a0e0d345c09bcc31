package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps the full dataset in memory and writes a JSON snapshot to
// disk after every mutation. Suited to small single-node deployments where
// workflows must survive restarts without running a database.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	kv    map[string][]byte
	lists map[string][][]byte
}

type fileSnapshot struct {
	KV    map[string][]byte   `json:"kv"`
	Lists map[string][][]byte `json:"lists"`
}

// NewFileStore opens (or creates) the snapshot at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store requires a path")
	}

	s := &FileStore{
		path:  path,
		kv:    make(map[string][]byte),
		lists: make(map[string][][]byte),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse store snapshot %s: %w", path, err)
	}
	if snap.KV != nil {
		s.kv = snap.KV
	}
	if snap.Lists != nil {
		s.lists = snap.Lists
	}
	return s, nil
}

// flush writes the snapshot atomically. Callers must hold the write lock.
func (s *FileStore) flush() error {
	data, err := json.Marshal(fileSnapshot{KV: s.kv, Lists: s.lists})
	if err != nil {
		return fmt.Errorf("failed to encode store snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(value), nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = cloneBytes(value)
	return s.flush()
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.flush()
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *FileStore) ListPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[key] = append(s.lists[key], cloneBytes(value))
	return s.flush()
}

func (s *FileStore) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.lists[key]
	lo, hi, ok := rangeBounds(int64(len(list)), start, stop)
	if !ok {
		return nil, nil
	}

	out := make([][]byte, 0, hi-lo+1)
	for _, v := range list[lo : hi+1] {
		out = append(out, cloneBytes(v))
	}
	return out, nil
}

func (s *FileStore) ListTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	lo, hi, ok := rangeBounds(int64(len(list)), start, stop)
	if !ok {
		delete(s.lists, key)
	} else {
		trimmed := make([][]byte, hi-lo+1)
		copy(trimmed, list[lo:hi+1])
		s.lists[key] = trimmed
	}
	return s.flush()
}

func (s *FileStore) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.lists[key])), nil
}

func (s *FileStore) Close() error {
	return nil
}
