package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKeyValue(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Get("visitorId")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set("visitorId", "abc"))
	value, ok, err := store.Get("visitorId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", value)

	require.NoError(t, store.Set("visitorId", "def"))
	value, _, err = store.Get("visitorId")
	require.NoError(t, err)
	assert.Equal(t, "def", value)

	require.NoError(t, store.Delete("visitorId"))
	require.NoError(t, store.Delete("visitorId"))
	_, ok, err = store.Get("visitorId")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyValue_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("visitorId", "persisted"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get("visitorId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persisted", value)
}

func TestAllowedUsers(t *testing.T) {
	store := newTestStore(t)

	allowed, err := store.IsUserAllowed(42)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, store.AddAllowedUser(42, 1))
	require.NoError(t, store.AddAllowedUser(42, 1))

	allowed, err = store.IsUserAllowed(42)
	require.NoError(t, err)
	assert.True(t, allowed)

	users, err := store.GetAllowedUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(42), users[0].TelegramID)
	assert.Equal(t, int64(1), users[0].AddedBy)

	require.NoError(t, store.RemoveAllowedUser(42))
	allowed, err = store.IsUserAllowed(42)
	require.NoError(t, err)
	assert.False(t, allowed)
}
