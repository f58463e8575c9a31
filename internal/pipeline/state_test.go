package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]StateStore {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	return map[string]StateStore{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"memory": NewMemoryStore(),
	}
}

func TestStateStoreMerge(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			patch, err := Patch(map[string]any{"db_code": "db1", "query": "订单金额"})
			require.NoError(t, err)
			require.NoError(t, store.Write(ctx, "s1", patch))

			patch, err = Patch(map[string]any{"keywords": []string{"订单", "金额"}})
			require.NoError(t, err)
			require.NoError(t, store.Write(ctx, "s1", patch))

			state, err := store.Read(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "db1", state.GetString("db_code"))
			assert.Equal(t, "订单金额", state.GetString("query"))
			assert.Equal(t, []string{"订单", "金额"}, state.GetStrings("keywords"))
		})
	}
}

func TestStateStoreLastWriterWins(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			patch, _ := Patch(map[string]any{"query": "first"})
			require.NoError(t, store.Write(ctx, "s1", patch))
			patch, _ = Patch(map[string]any{"query": "second"})
			require.NoError(t, store.Write(ctx, "s1", patch))

			state, err := store.Read(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "second", state.GetString("query"))
		})
	}
}

func TestStateStoreEmptySession(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			state, err := store.Read(ctx, "absent")
			require.NoError(t, err)
			assert.Empty(t, state)
		})
	}
}

func TestStateStoreSessionIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	patch, _ := Patch(map[string]any{"query": "one"})
	require.NoError(t, store.Write(ctx, "s1", patch))

	state, err := store.Read(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestStateGetAbsentKey(t *testing.T) {
	state := State{}
	var v string
	ok, err := state.Get("missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}
