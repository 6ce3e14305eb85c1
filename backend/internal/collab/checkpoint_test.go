package collab

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/backend/internal/oplog"
	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

// flakyStore 模拟写快照途中崩溃：失败的 Store 不留下任何可见结果
type flakyStore struct {
	store.SnapshotStore
	fail atomic.Bool
}

func (f *flakyStore) Store(ctx context.Context, snap store.Snapshot) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.SnapshotStore.Store(ctx, snap)
}

func TestSnapshotSkipsWhenClockUnchanged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	persisted, err := f.coord.Snapshot(ctx, "not-live")
	require.NoError(t, err)
	assert.False(t, persisted)

	f.join(t, "doc", "A")
	persisted, err = f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, persisted, "empty document at clock 0 needs no snapshot")

	f.submit(t, "doc", "A", 0, ins(0, "x"))
	persisted, err = f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, persisted)

	persisted, err = f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, persisted)
}

func TestRestoreAfterCrashMidCheckpoint(t *testing.T) {
	l := oplog.NewMemoryLog()
	s := &flakyStore{SnapshotStore: store.NewMemoryStore()}
	f := newFixtureWith(t, l, s, Options{})
	ctx := context.Background()

	f.join(t, "doc", "A")
	f.submit(t, "doc", "A", 0, ins(0, "Hello"))
	f.submit(t, "doc", "A", 1, ins(5, " world"))
	_, err := f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)

	f.submit(t, "doc", "A", 2, delta.Delta{}.Retain(5, map[string]any{"bold": true}))
	f.submit(t, "doc", "A", 3, ins(11, "!"))

	s.fail.Store(true)
	_, err = f.coord.Snapshot(ctx, "doc")
	require.Error(t, err)
	live, err := f.coord.Document(ctx, "doc")
	require.NoError(t, err)

	// 进程重启：新的协调器只看得到存储与日志
	s.fail.Store(false)
	restarted := NewCoordinator(l, s, nil, Options{}, zap.NewNop())
	r, err := restarted.Checkpoints().Restore(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.Clock)
	assert.Equal(t, uint64(2), r.SnapshotClock)
	assert.Len(t, r.Tail, 2)
	assert.Equal(t, live.Content, r.Content)
	assert.Equal(t, "Hello world!", r.Content.Text())
}

func TestRestoreSeedsEmptyLogFromSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	content := delta.Delta{}.Insert("kept", nil)
	require.NoError(t, s.Store(ctx, store.Snapshot{DocID: "doc", Clock: 7, Content: content, Text: "kept"}))

	f := newFixtureWith(t, oplog.NewMemoryLog(), s, Options{})
	res := f.join(t, "doc", "A")
	assert.Equal(t, uint64(7), res.Clock)
	assert.Equal(t, "kept", res.Text)

	op := f.submit(t, "doc", "A", 7, ins(4, "!"))
	assert.Equal(t, uint64(8), op.Clock)

	_, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: 3, Delta: ins(0, "x")})
	assert.ErrorIs(t, err, ErrStaleOperation)
}

func TestRestoreFailsWhenLogCompactedPastSnapshot(t *testing.T) {
	ctx := context.Background()
	l := oplog.NewMemoryLog()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Append(ctx, ot.Operation{DocID: "doc", Clock: i, Delta: ins(0, "x")}))
	}
	require.NoError(t, l.CompactBefore(ctx, "doc", 3))

	f := newFixtureWith(t, l, store.NewMemoryStore(), Options{})
	_, err := f.coord.Join(ctx, "doc", "A", 1)
	assert.ErrorIs(t, err, ErrRecovery)

	_, err = f.coord.Document(ctx, "doc")
	assert.ErrorIs(t, err, ErrRecovery)
}

func TestRestoreFailsOnUnreplayableTail(t *testing.T) {
	ctx := context.Background()
	l := oplog.NewMemoryLog()
	require.NoError(t, l.Append(ctx, ot.Operation{DocID: "doc", Clock: 1, Delta: ins(0, "ab")}))
	require.NoError(t, l.Append(ctx, ot.Operation{DocID: "doc", Clock: 2, Delta: delta.Delta{}.Retain(5, nil).Delete(1)}))

	f := newFixtureWith(t, l, store.NewMemoryStore(), Options{})
	_, err := f.coord.Checkpoints().Restore(ctx, "doc")
	assert.ErrorIs(t, err, ErrRecovery)
}

func TestRunCheckpointsAdvancedSessions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "a", "A")
	f.join(t, "b", "A")
	f.submit(t, "a", "A", 0, ins(0, "aaa"))

	f.coord.Checkpoints().checkpointAll(ctx)

	snap, err := f.store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "aaa", snap.Text)
	_, err = f.store.Load(ctx, "b")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}
