package rollback

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteCheckpoints(t *testing.T) *SQLCheckpoints {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	repo := NewSQLCheckpoints(db)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

var checkpointFactories = map[string]func(t *testing.T) CheckpointRepository{
	"memory": func(t *testing.T) CheckpointRepository { return NewMemoryCheckpoints() },
	"sqlite": func(t *testing.T) CheckpointRepository { return newSQLiteCheckpoints(t) },
}

func TestCheckpoints_Contract(t *testing.T) {
	for name, factory := range checkpointFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			latest, err := repo.Latest(ctx)
			require.NoError(t, err)
			assert.Nil(t, latest)

			for i, seq := range []uint64{0, 300, 100, 200} {
				cp := Checkpoint{
					CheckpointID:  "cp-" + string(rune('a'+i)),
					EventSequence: seq,
					Timestamp:     testNow.Add(time.Duration(seq) * time.Millisecond),
					AnchorHash:    "h",
					AnchorType:    AnchorPeriodic,
					CreatorID:     "checkpointer",
				}
				if seq == 0 {
					cp.AnchorType = AnchorGenesis
				}
				require.NoError(t, repo.Create(ctx, cp))
			}
			assert.Error(t, repo.Create(ctx, Checkpoint{CheckpointID: "cp-a", Timestamp: testNow}))

			all, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, []uint64{0, 100, 200, 300}, []uint64{all[0].EventSequence, all[1].EventSequence, all[2].EventSequence, all[3].EventSequence})
			assert.Equal(t, AnchorGenesis, all[0].AnchorType)

			before, err := repo.ListBefore(ctx, 200)
			require.NoError(t, err)
			assert.Len(t, before, 3)

			latest, err = repo.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(300), latest.EventSequence)

			got, err := repo.Get(ctx, "cp-c")
			require.NoError(t, err)
			assert.Equal(t, uint64(100), got.EventSequence)
			assert.True(t, got.Timestamp.Equal(testNow.Add(100*time.Millisecond)))

			_, err = repo.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestPendingStores(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	sqlPending := NewSQLPending(db)
	require.NoError(t, sqlPending.Init(context.Background()))

	for name, store := range map[string]PendingStore{"memory": NewMemoryPending(), "sqlite": sqlPending} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			got, err := store.Get(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			p := RollbackTargetSelectedPayload{RollbackID: "r1", CheckpointID: "cp", TargetEventSequence: 4, SelectingKeepers: []string{"a"}, SelectedAt: testNow}
			require.NoError(t, store.Save(ctx, p))
			p.RollbackID = "r2"
			require.NoError(t, store.Save(ctx, p))

			got, err = store.Get(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "r2", got.RollbackID)
			assert.True(t, got.SelectedAt.Equal(testNow))

			require.NoError(t, store.Clear(ctx))
			got, err = store.Get(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}
