package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.Create(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, "run-1", created.RunID)

	require.NoError(t, store.SetAuthorizationURL(ctx, "run-1", "https://as.example.com/authorize?state=run-1", "orig-state"))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "orig-state", got.OriginalState)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, store.UpdateWithCallback(ctx, "run-1", "auth-code", "run-1"))

	got, err = store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCallbackReceived, got.Status)
	require.NotNil(t, got.Callback)
	assert.Equal(t, "auth-code", got.Callback.Code)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	_, err := store.Create(ctx, "run-2", time.Minute)
	require.NoError(t, err)

	// Nobody ever marks the session expired; Get must do so once the
	// deadline has passed.
	current = current.Add(2 * time.Minute)

	got, err := store.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	err = store.UpdateWithCallback(ctx, "run-2", "late-code", "state")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMemoryStoreMarkExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Create(ctx, "run-5", time.Hour)
	require.NoError(t, err)

	// An explicit expiry takes effect before the deadline passes.
	require.NoError(t, store.MarkExpired(ctx, "run-5"))

	got, err := store.Get(ctx, "run-5")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	assert.ErrorIs(t, store.UpdateWithCallback(ctx, "run-5", "code", "state"), ErrExpired)
	assert.ErrorIs(t, store.MarkExpired(ctx, "missing"), ErrNotFound)
}

func TestMemoryStoreErrorPath(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Create(ctx, "run-3", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.UpdateWithError(ctx, "run-3", "access_denied"))

	got, err := store.Get(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "access_denied", got.Error)
}

func TestMemoryStoreUnknownRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.ErrorIs(t, store.SetAuthorizationURL(ctx, "missing", "u", "s"), ErrNotFound)
	assert.ErrorIs(t, store.UpdateWithCallback(ctx, "missing", "c", "s"), ErrNotFound)
	assert.ErrorIs(t, store.UpdateWithError(ctx, "missing", "m"), ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "missing"))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Create(ctx, "run-4", time.Minute)
	require.NoError(t, err)

	got, err := store.Get(ctx, "run-4")
	require.NoError(t, err)
	got.Status = "mutated"

	again, err := store.Get(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}
