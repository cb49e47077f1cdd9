// internal/state/journal.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/chatrelay/internal/types"
)

// Journal is a JSONL-backed append-only relay log.
// Entries are stored per-session in journal/<session>/entries.jsonl.
type Journal struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewJournal creates a file-backed Journal rooted at the given directory.
func NewJournal(root string) *Journal {
	return &Journal{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (j *Journal) getLock(sessionID types.SessionID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[sessionID] = lock
	return lock
}

// dirName escapes a session id into a single safe path element.
func dirName(sessionID types.SessionID) string {
	name := url.PathEscape(string(sessionID))
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	if name == "" {
		name = string(types.DefaultSessionID)
	}
	return name
}

func (j *Journal) entriesPath(sessionID types.SessionID) string {
	return filepath.Join(j.root, "journal", dirName(sessionID), "entries.jsonl")
}

// count reads the journal file and counts lines. Caller must hold the session lock.
func (j *Journal) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(j.entriesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

// Append adds an entry with an auto-incremented sequence number.
func (j *Journal) Append(_ context.Context, entry *types.JournalEntry) error {
	entry.SessionID = entry.SessionID.OrDefault()
	lock := j.getLock(entry.SessionID)
	lock.Lock()
	defer lock.Unlock()

	path := j.entriesPath(entry.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	existing, err := j.count(entry.SessionID)
	if err != nil {
		return err
	}
	entry.Seq = existing + 1

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Tail returns the last limit entries for the session.
func (j *Journal) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.JournalEntry, error) {
	sessionID = sessionID.OrDefault()
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.entriesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []*types.JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry types.JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal journal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries for the session.
func (j *Journal) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	sessionID = sessionID.OrDefault()
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return j.count(sessionID)
}

// Preview shortens text for journal entries.
func Preview(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}
