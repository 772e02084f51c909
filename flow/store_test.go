package flow

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

// Both store implementations must satisfy the same contract.
func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()
	gormStore, err := NewGormStore(openTestDB(t), zap.NewNop())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   gormStore,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			def := sampleDefinition()
			require.NoError(t, store.Save(ctx, def))

			got, err := store.Load(ctx, def.ID)
			require.NoError(t, err)
			assert.Equal(t, def.Name, got.Name)
			assert.Len(t, got.Actions, 5)
			assert.Equal(t, StatusDraft, got.Status)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrFlowNotFound)
		})
	}
}

func TestStore_SaveAssignsID(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			def := sampleDefinition()
			def.ID = ""
			require.NoError(t, store.Save(context.Background(), def))
			assert.NotEmpty(t, def.ID)
		})
	}
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			def := sampleDefinition()
			def.Checkpoints[0].Position = 99
			assert.Error(t, store.Save(context.Background(), def))
		})
	}
}

func TestStore_FinalizeBumpsVersionAndLocks(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			def := sampleDefinition()
			require.NoError(t, store.Save(ctx, def))

			require.NoError(t, store.Finalize(ctx, def.ID))
			got, err := store.Load(ctx, def.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusReady, got.Status)
			assert.Equal(t, 1, got.Version)

			// Finalized flows are immutable.
			assert.ErrorIs(t, store.Finalize(ctx, def.ID), ErrFlowFinalized)
			assert.ErrorIs(t, store.Save(ctx, got), ErrFlowFinalized)
			assert.ErrorIs(t, store.AppendCheckpoint(ctx, def.ID, Checkpoint{Name: "late", Position: 4}), ErrFlowFinalized)
		})
	}
}

func TestStore_AppendCheckpoint(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			def := sampleDefinition()
			require.NoError(t, store.Save(ctx, def))

			require.NoError(t, store.AppendCheckpoint(ctx, def.ID, Checkpoint{Name: "paid", Position: 4}))
			got, err := store.Load(ctx, def.ID)
			require.NoError(t, err)
			require.Len(t, got.Checkpoints, 2)
			assert.Equal(t, "paid", got.Checkpoints[1].Name)

			// Out-of-order positions are rejected.
			assert.Error(t, store.AppendCheckpoint(ctx, def.ID, Checkpoint{Name: "early", Position: 2}))
		})
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := sampleDefinition()
			first.ID = "f-list-1"
			second := sampleDefinition()
			second.ID = "f-list-2"
			require.NoError(t, store.Save(ctx, first))
			require.NoError(t, store.Save(ctx, second))

			all, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, store.Delete(ctx, first.ID))
			_, err = store.Load(ctx, first.ID)
			assert.ErrorIs(t, err, ErrFlowNotFound)
			assert.ErrorIs(t, store.Delete(ctx, first.ID), ErrFlowNotFound)
		})
	}
}

func TestGormStore_SnapshotRoundTrip(t *testing.T) {
	store, err := NewGormStore(openTestDB(t), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	def := sampleDefinition()
	def.Checkpoints[0].Snapshot = &SessionState{
		URL:          "https://shop.example.com/account",
		Cookies:      []Cookie{{Name: "sid", Value: "abc", HTTPOnly: true}},
		LocalStorage: map[string]string{"cart": "2"},
	}
	require.NoError(t, store.Save(ctx, def))

	got, err := store.Load(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Checkpoints[0].Snapshot)
	assert.Equal(t, "abc", got.Checkpoints[0].Snapshot.Cookies[0].Value)
	assert.True(t, got.Checkpoints[0].Snapshot.Cookies[0].HTTPOnly)
	assert.Equal(t, "2", got.Checkpoints[0].Snapshot.LocalStorage["cart"])
}
