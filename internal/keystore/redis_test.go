package keystore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStoreWithClient(client, "test:", false), mr
}

func TestRedisStore_InitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	seed := map[string][]string{"primary": {"key-a", "key-b"}}
	require.NoError(t, store.InitializeKeys(ctx, seed))
	require.NoError(t, store.RecordFailure(ctx, "key-a", true, 1))

	// Re-initializing against an already-populated rotation set must not
	// reset health state (mirrors the original's "skip initialization"
	// path when the rotation set is non-empty).
	require.NoError(t, store.InitializeKeys(ctx, seed))

	state, err := store.GetKeyState(ctx, "key-a")
	require.NoError(t, err)
	require.True(t, state.Blocked, "re-initialization must not clear existing health state")
}

func TestRedisStore_CandidateKeysAndRotation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	require.NoError(t, store.InitializeKeys(ctx, map[string][]string{
		"primary": {"key-a", "key-b"},
	}))

	keys, err := store.CandidateKeys(ctx, "primary")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"key-a", "key-b"}, keys)

	idx0, err := store.NextRotationIndex(ctx, "primary")
	require.NoError(t, err)
	idx1, err := store.NextRotationIndex(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, idx0+1, idx1)
}

func TestRedisStore_RecordFailureBlocksAtThreshold(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	require.NoError(t, store.InitializeKeys(ctx, map[string][]string{"g": {"k1"}}))

	require.NoError(t, store.RecordFailure(ctx, "k1", false, 2))
	state, err := store.GetKeyState(ctx, "k1")
	require.NoError(t, err)
	require.False(t, state.Blocked)

	require.NoError(t, store.RecordFailure(ctx, "k1", false, 2))
	state, err = store.GetKeyState(ctx, "k1")
	require.NoError(t, err)
	require.True(t, state.Blocked)
}

func TestRedisStore_ReconcileKeysRemovesDropped(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	require.NoError(t, store.InitializeKeys(ctx, map[string][]string{"g": {"k1", "k2"}}))

	require.NoError(t, store.ReconcileKeys(ctx, map[string][]string{"g": {"k1"}}))

	_, err := store.GetKeyState(ctx, "k2")
	require.ErrorIs(t, err, ErrUnknownCredential)

	_, err = store.GetKeyState(ctx, "k1")
	require.NoError(t, err)
}

func TestRedisStore_TestModeClearsPriorState(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStoreWithClient(client, "test:", true)
	seed := map[string][]string{"g": {"k1"}}
	require.NoError(t, store.InitializeKeys(ctx, seed))
	require.NoError(t, store.RecordFailure(ctx, "k1", true, 1))

	// A fresh store instance in test mode wipes the previous run's state
	// before reseeding, so failures don't leak across test runs sharing a
	// warm Redis.
	store2 := NewRedisStoreWithClient(client, "test:", true)
	require.NoError(t, store2.InitializeKeys(ctx, seed))

	state, err := store2.GetKeyState(ctx, "k1")
	require.NoError(t, err)
	require.False(t, state.Blocked, "test_mode initialization must clear stale state")
}
