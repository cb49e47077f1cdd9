package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatrelay/internal/types"
)

type failingStore struct {
	calls int
}

func (f *failingStore) GetOrCreate(context.Context, types.SessionID, types.GroupID) (types.GroupID, error) {
	f.calls++
	return "", errors.New("disk I/O error")
}

func (f *failingStore) SessionOf(context.Context, types.GroupID) (types.SessionID, bool, error) {
	return "", false, errors.New("disk I/O error")
}

func (f *failingStore) List(context.Context) ([]*types.GroupMapping, error) {
	return nil, errors.New("disk I/O error")
}

func (f *failingStore) Delete(context.Context, types.SessionID) error { return nil }
func (f *failingStore) Close() error                                 { return nil }

func TestMapper_ResolveStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)

	ctx := context.Background()
	mapper := NewMapper(store, nil)

	first := mapper.Resolve(ctx, "abc")
	second := mapper.Resolve(ctx, "abc")
	assert.Equal(t, types.GroupID("abc"), first)
	assert.Equal(t, first, second)
	require.NoError(t, store.Close())

	// Fresh mapper over the reopened store sees the persisted value.
	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, first, NewMapper(reopened, nil).Resolve(ctx, "abc"))
}

func TestMapper_EmptySessionUsesDefault(t *testing.T) {
	mapper := NewMapper(nil, nil)
	assert.Equal(t, types.GroupID("default"), mapper.Resolve(context.Background(), ""))
}

func TestMapper_StorageFailureFallsBackToIdentity(t *testing.T) {
	store := &failingStore{}
	mapper := NewMapper(store, nil)
	ctx := context.Background()

	assert.Equal(t, types.GroupID("s1"), mapper.Resolve(ctx, "s1"))
	assert.Equal(t, types.GroupID("s1"), mapper.Resolve(ctx, "s1"))
	// Failures are not cached, so the store is retried each time.
	assert.Equal(t, 2, store.calls)

	_, ok := mapper.SessionOf(ctx, "s1")
	assert.False(t, ok)
}

func TestMapper_SessionOf(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "groups.json"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.GetOrCreate(ctx, "web-1", "web-1")
	require.NoError(t, err)

	mapper := NewMapper(store, nil)
	sid, ok := mapper.SessionOf(ctx, "web-1")
	assert.True(t, ok)
	assert.Equal(t, types.SessionID("web-1"), sid)

	mapper.Resolve(ctx, "web-2")
	sid, ok = mapper.SessionOf(ctx, "web-2")
	assert.True(t, ok)
	assert.Equal(t, types.SessionID("web-2"), sid)
}

type countingStore struct {
	failingStore
	gets int
}

func (c *countingStore) GetOrCreate(_ context.Context, _ types.SessionID, gid types.GroupID) (types.GroupID, error) {
	c.gets++
	return gid, nil
}

func TestMapper_CachesResolvedGroup(t *testing.T) {
	store := &countingStore{}
	mapper := NewMapper(store, nil)
	ctx := context.Background()

	for range 3 {
		assert.Equal(t, types.GroupID("s1"), mapper.Resolve(ctx, "s1"))
	}
	assert.Equal(t, 1, store.gets)
}
