package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, "acct-1/<m1@example.com>", []byte("raw message bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw message bytes"), data)
}

func TestPutIsWriteOnce(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref1, err := store.Put(ctx, "acct-1/<m1@example.com>", []byte("original"))
	require.NoError(t, err)

	// A second Put for the same key returns the same ref and leaves the
	// stored bytes untouched.
	ref2, err := store.Put(ctx, "acct-1/<m1@example.com>", []byte("overwrite attempt"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	data, err := store.Get(ctx, ref1)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)
}

func TestRefsAreStablePerKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref1, err := store.Put(ctx, "key-a", []byte("a"))
	require.NoError(t, err)
	ref2, err := store.Put(ctx, "key-b", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, ref1, ref2)
	assert.Equal(t, refForKey("key-a"), ref1)
}

func TestGetMissingRef(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), refForKey("never-written"))
	assert.Error(t, err)
}
