// internal/state/filestore.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/chatrelay/internal/types"
)

// FileStore is a JSON-file-backed group store. The whole index lives in one
// file that is rewritten atomically on every insert.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore creates a FileStore persisting to the given file path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create group store dir: %w", err)
	}
	s := &FileStore{path: path}
	// Surface a corrupt index at startup rather than on first use.
	if _, err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex reads the index file and returns a map keyed by SessionID.
func (s *FileStore) loadIndex() (map[types.SessionID]*types.GroupMapping, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.GroupMapping), nil
		}
		return nil, fmt.Errorf("read group index: %w", err)
	}

	var mappings []*types.GroupMapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("unmarshal group index: %w", err)
	}

	index := make(map[types.SessionID]*types.GroupMapping, len(mappings))
	for _, m := range mappings {
		index[m.SessionID] = m
	}
	return index, nil
}

// saveIndex marshals the index sorted by creation time and writes atomically.
func (s *FileStore) saveIndex(index map[types.SessionID]*types.GroupMapping) error {
	data, err := json.MarshalIndent(sortedMappings(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal group index: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

func sortedMappings(index map[types.SessionID]*types.GroupMapping) []*types.GroupMapping {
	out := make([]*types.GroupMapping, 0, len(index))
	for _, m := range index {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetOrCreate returns the stored group for the session, inserting groupID if needed.
func (s *FileStore) GetOrCreate(_ context.Context, sessionID types.SessionID, groupID types.GroupID) (types.GroupID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}

	if existing, ok := index[sessionID]; ok {
		return existing.GroupID, nil
	}

	index[sessionID] = &types.GroupMapping{
		SessionID: sessionID,
		GroupID:   groupID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveIndex(index); err != nil {
		return "", err
	}
	return groupID, nil
}

// SessionOf returns the session mapped to the given group.
func (s *FileStore) SessionOf(_ context.Context, groupID types.GroupID) (types.SessionID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", false, err
	}
	for _, m := range index {
		if m.GroupID == groupID {
			return m.SessionID, true, nil
		}
	}
	return "", false, nil
}

// List returns all mappings ordered by creation time.
func (s *FileStore) List(_ context.Context) ([]*types.GroupMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedMappings(index), nil
}

// Delete removes the mapping for a session. Missing sessions are not an error.
func (s *FileStore) Delete(_ context.Context, sessionID types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[sessionID]; !ok {
		return nil
	}
	delete(index, sessionID)
	return s.saveIndex(index)
}

func (s *FileStore) Close() error { return nil }
