// Package state provides the persistent stores behind the relay: session to
// group mappings (SQLite or a JSON file) and the JSONL relay journal.
package state

import "github.com/user/chatrelay/internal/types"

// Compile-time interface compliance checks.
var _ types.GroupStore = (*SQLiteStore)(nil)
var _ types.GroupStore = (*FileStore)(nil)
var _ types.Journal = (*Journal)(nil)
