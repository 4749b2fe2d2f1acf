package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-dispatch-go/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.KVEntry{}))

	return New(db, time.Hour)
}

func TestLockMutualExclusion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, ok := store.TryAcquireLock(ctx, "acct-1", time.Minute)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Second acquisition for the same account must fail while the lock is
	// held.
	_, ok = store.TryAcquireLock(ctx, "acct-1", time.Minute)
	assert.False(t, ok)

	// A different account is unaffected.
	_, ok = store.TryAcquireLock(ctx, "acct-2", time.Minute)
	assert.True(t, ok)
}

func TestLockReleaseAndReacquire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, ok := store.TryAcquireLock(ctx, "acct-1", time.Minute)
	require.True(t, ok)

	require.NoError(t, store.ReleaseLock(ctx, "acct-1", token))

	token2, ok := store.TryAcquireLock(ctx, "acct-1", time.Minute)
	assert.True(t, ok)
	assert.NotEqual(t, token, token2)
}

func TestLockReleaseRequiresOwnToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok := store.TryAcquireLock(ctx, "acct-1", time.Minute)
	require.True(t, ok)

	// Releasing with a stale token is a no-op; the lock stays held.
	require.NoError(t, store.ReleaseLock(ctx, "acct-1", "not-the-holder"))

	_, ok = store.TryAcquireLock(ctx, "acct-1", time.Minute)
	assert.False(t, ok)
}

func TestExpiredLockReaped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok := store.TryAcquireLock(ctx, "acct-1", time.Minute)
	require.True(t, ok)

	// Move the clock past the TTL; the next acquisition reaps the stale row.
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok = store.TryAcquireLock(ctx, "acct-1", time.Minute)
	assert.True(t, ok)
}

func TestCheckpointDefaultWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-checkpointDefaultWindow)
	cp, err := store.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	after := time.Now().Add(-checkpointDefaultWindow)

	assert.False(t, cp.Before(before))
	assert.False(t, cp.After(after))
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetCheckpoint(ctx, "acct-1", first))

	cp, err := store.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, cp.Equal(first))

	// Overwriting advances the checkpoint in place.
	second := first.Add(time.Hour)
	require.NoError(t, store.SetCheckpoint(ctx, "acct-1", second))

	cp, err = store.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, cp.Equal(second))
}

func TestCheckpointIsolatedPerAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetCheckpoint(ctx, "acct-1", ts))

	// acct-2 still gets the default window, not acct-1's checkpoint.
	cp, err := store.GetCheckpoint(ctx, "acct-2")
	require.NoError(t, err)
	assert.False(t, cp.Equal(ts))
}
