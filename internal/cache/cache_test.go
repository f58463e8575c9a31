package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientSetGet(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestMemoryClientMiss(t *testing.T) {
	c := NewMemoryClient(10)
	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientExpiry(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientDeleteByPrefix(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "retrieval:db1:a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "retrieval:db1:b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "retrieval:db2:a", []byte("3"), time.Minute))

	require.NoError(t, c.DeleteByPrefix(ctx, "retrieval:db1:"))

	_, err := c.Get(ctx, "retrieval:db1:a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "retrieval:db2:a")
	assert.NoError(t, err)
}

func TestRetrievalKeyStable(t *testing.T) {
	k1, err := RetrievalKey("db1", "retrieve_column", map[string]any{"keywords": []string{"a", "b"}})
	require.NoError(t, err)
	k2, err := RetrievalKey("db1", "retrieve_column", map[string]any{"keywords": []string{"a", "b"}})
	require.NoError(t, err)
	k3, err := RetrievalKey("db1", "retrieve_column", map[string]any{"keywords": []string{"b"}})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
