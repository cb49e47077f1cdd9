// internal/state/mapper.go
package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/chatrelay/internal/types"
)

// IdentityPolicy maps every session to a group with the same id.
func IdentityPolicy(id types.SessionID) types.GroupID {
	return types.GroupID(id)
}

// Mapper resolves session ids to router group ids. Resolution never fails:
// when the store is unavailable the policy result is returned uncached.
type Mapper struct {
	store  types.GroupStore
	policy func(types.SessionID) types.GroupID
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[types.SessionID]types.GroupID
}

// NewMapper creates a Mapper over store using IdentityPolicy.
func NewMapper(store types.GroupStore, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		store:  store,
		policy: IdentityPolicy,
		logger: logger.With("component", "mapper"),
		cache:  make(map[types.SessionID]types.GroupID),
	}
}

// Resolve returns the group for sessionID, creating the mapping on first use.
func (m *Mapper) Resolve(ctx context.Context, sessionID types.SessionID) types.GroupID {
	sessionID = sessionID.OrDefault()

	m.mu.RLock()
	gid, ok := m.cache[sessionID]
	m.mu.RUnlock()
	if ok {
		return gid
	}

	fallback := m.policy(sessionID)
	if m.store == nil {
		return fallback
	}

	gid, err := m.store.GetOrCreate(ctx, sessionID, fallback)
	if err != nil {
		m.logger.Error("resolve group failed, using identity mapping",
			"session_id", sessionID, "error", err)
		return fallback
	}

	m.mu.Lock()
	m.cache[sessionID] = gid
	m.mu.Unlock()
	return gid
}

// SessionOf looks up the session that owns groupID.
func (m *Mapper) SessionOf(ctx context.Context, groupID types.GroupID) (types.SessionID, bool) {
	m.mu.RLock()
	for sid, gid := range m.cache {
		if gid == groupID {
			m.mu.RUnlock()
			return sid, true
		}
	}
	m.mu.RUnlock()

	if m.store == nil {
		return "", false
	}
	sid, ok, err := m.store.SessionOf(ctx, groupID)
	if err != nil {
		m.logger.Warn("reverse group lookup failed", "group_id", groupID, "error", err)
		return "", false
	}
	return sid, ok
}
