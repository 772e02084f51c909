package executor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/flow"
)

func snapshotStores(t *testing.T) map[string]SnapshotStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]SnapshotStore{
		"memory": NewMemorySnapshotStore(),
		"redis":  NewRedisSnapshotStore(client, "test", time.Hour, zap.NewNop()),
	}
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	for name, store := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := &flow.SessionState{
				URL:          "https://example.com/step",
				Cookies:      []flow.Cookie{{Name: "sid", Value: "abc"}},
				LocalStorage: map[string]string{"k": "v"},
			}

			require.NoError(t, store.Save(ctx, "exec-1", 2, state))

			idx, got, err := store.Load(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, 2, idx)
			assert.Equal(t, state.URL, got.URL)
			assert.Equal(t, "abc", got.Cookies[0].Value)
			assert.Equal(t, "v", got.LocalStorage["k"])
		})
	}
}

func TestSnapshotStore_LoadMissing(t *testing.T) {
	for name, store := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := store.Load(context.Background(), "unknown")
			assert.ErrorIs(t, err, ErrSnapshotNotFound)
		})
	}
}

func TestSnapshotStore_SaveOverwrites(t *testing.T) {
	for name, store := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, "exec-1", 0, &flow.SessionState{URL: "https://a"}))
			require.NoError(t, store.Save(ctx, "exec-1", 1, &flow.SessionState{URL: "https://b"}))

			idx, got, err := store.Load(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, 1, idx)
			assert.Equal(t, "https://b", got.URL)
		})
	}
}

func TestSnapshotStore_Delete(t *testing.T) {
	for name, store := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, "exec-1", 0, &flow.SessionState{URL: "https://a"}))
			require.NoError(t, store.Delete(ctx, "exec-1"))

			_, _, err := store.Load(ctx, "exec-1")
			assert.ErrorIs(t, err, ErrSnapshotNotFound)

			// Deleting again is harmless.
			assert.NoError(t, store.Delete(ctx, "exec-1"))
		})
	}
}

func TestRedisSnapshotStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSnapshotStore(client, "test", time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "exec-1", 0, &flow.SessionState{URL: "https://a"}))

	mr.FastForward(2 * time.Minute)
	_, _, err := store.Load(ctx, "exec-1")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
