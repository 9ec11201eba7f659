package cache

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBigCache(t *testing.T) Backend {
	t.Helper()
	backend, err := NewBigCache(BigCacheConfig{Shards: 16, LifeWindow: time.Minute, MaxSizeMB: 8}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestBigCacheSaveLoad(t *testing.T) {
	backend := newTestBigCache(t)
	stored := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, backend.Save("k", Entry{Payload: []byte(`{"a":1}`), StoredAt: stored, Generation: 7}))

	entry, ok := backend.Load("k")
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"a":1}`), entry.Payload)
	assert.True(t, stored.Equal(entry.StoredAt))
	assert.Equal(t, uint64(7), entry.Generation)
	assert.Equal(t, 1, backend.Len())
}

func TestBigCacheLoadMissing(t *testing.T) {
	backend := newTestBigCache(t)
	_, ok := backend.Load("missing")
	assert.False(t, ok)
	backend.Delete("missing")
}

func TestBigCacheDeletePrefix(t *testing.T) {
	backend := newTestBigCache(t)
	require.NoError(t, backend.Save("v1|anon|https://a/products/1", Entry{Payload: []byte("1")}))
	require.NoError(t, backend.Save("v1|anon|https://a/products/2", Entry{Payload: []byte("2")}))
	require.NoError(t, backend.Save("v1|anon|https://a/orders/1", Entry{Payload: []byte("3")}))

	backend.DeletePrefix("v1|anon|https://a/products")

	_, ok := backend.Load("v1|anon|https://a/products/1")
	assert.False(t, ok)
	_, ok = backend.Load("v1|anon|https://a/orders/1")
	assert.True(t, ok)

	backend.Reset()
	assert.Equal(t, 0, backend.Len())
}

func TestStoreOverBigCache(t *testing.T) {
	store := New(newTestBigCache(t), clock.NewMock())
	key := NewKey("https://a/products", true)
	gen := store.NextGeneration()

	applied, err := store.PutIssued(key, []byte("p"), gen)
	require.NoError(t, err)
	require.True(t, applied)

	entry, ok := store.Get(key)
	require.True(t, ok)
	require.Equal(t, gen, entry.Generation)
}
