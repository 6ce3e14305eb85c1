package collab

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/backend/internal/oplog"
	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

type published struct {
	docID   string
	op      ot.Operation
	exclude string
}

// recorder 记录协调器发出的全部广播
type recorder struct {
	mu      sync.Mutex
	ops     []published
	members []MembershipEvent
	resyncs []string
}

func (r *recorder) Publish(ctx context.Context, docID string, op ot.Operation, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, published{docID: docID, op: op, exclude: exclude})
}

func (r *recorder) NotifyMembership(ctx context.Context, docID string, ev MembershipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, ev)
}

func (r *recorder) ForceResync(ctx context.Context, docID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resyncs = append(r.resyncs, docID+":"+reason)
}

func (r *recorder) publishedClocks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.ops))
	for i, p := range r.ops {
		out[i] = p.op.Clock
	}
	return out
}

type fixture struct {
	coord *Coordinator
	log   oplog.Log
	store store.SnapshotStore
	rec   *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWith(t, oplog.NewMemoryLog(), store.NewMemoryStore(), opts)
}

func newFixtureWith(t *testing.T, l oplog.Log, s store.SnapshotStore, opts Options) *fixture {
	t.Helper()
	if opts.GracePeriod == 0 {
		opts.GracePeriod = time.Hour
	}
	rec := &recorder{}
	return &fixture{
		coord: NewCoordinator(l, s, rec, opts, zap.NewNop()),
		log:   l,
		store: s,
		rec:   rec,
	}
}

func ins(pos int, text string) delta.Delta {
	return delta.Delta{}.Retain(pos, nil).Insert(text, nil)
}

func (f *fixture) join(t *testing.T, doc, client string) JoinResult {
	t.Helper()
	res, err := f.coord.Join(context.Background(), doc, client, 1)
	require.NoError(t, err)
	return res
}

func (f *fixture) submit(t *testing.T, doc, client string, base uint64, d delta.Delta) ot.Operation {
	t.Helper()
	op, err := f.coord.Submit(context.Background(), SubmitRequest{DocID: doc, ClientID: client, BaseClock: base, Delta: d})
	require.NoError(t, err)
	return op
}

func TestJoinEmptyDocument(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.join(t, "doc", "A")
	assert.Equal(t, uint64(0), res.Clock)
	assert.Empty(t, res.Content)

	require.Len(t, f.rec.members, 1)
	assert.Equal(t, MemberJoined, f.rec.members[0].Kind)
	assert.Equal(t, "A", f.rec.members[0].ClientID)
}

func TestSubmitAssignsClocksAndPublishes(t *testing.T) {
	f := newFixture(t, Options{})
	f.join(t, "doc", "A")
	f.join(t, "doc", "B")

	op1 := f.submit(t, "doc", "A", 0, ins(0, "Hello"))
	op2 := f.submit(t, "doc", "B", 1, ins(5, " world"))
	assert.Equal(t, uint64(1), op1.Clock)
	assert.Equal(t, uint64(2), op2.Clock)
	assert.NotEmpty(t, op1.ID)

	doc, err := f.coord.Document(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", doc.Text)
	assert.Equal(t, uint64(2), doc.Clock)

	require.Len(t, f.rec.ops, 2)
	assert.Equal(t, "A", f.rec.ops[0].exclude)
	assert.Equal(t, "B", f.rec.ops[1].exclude)
}

func TestCatDogThroughCoordinator(t *testing.T) {
	for _, tc := range []struct {
		policy ot.TieBreak
		want   string
	}{
		{ot.LowerFirst, "catdog"},
		{ot.HigherFirst, "dogcat"},
	} {
		for _, first := range []string{"A", "B"} {
			t.Run(fmt.Sprintf("%s/%s-first", tc.policy, first), func(t *testing.T) {
				f := newFixture(t, Options{TieBreak: tc.policy})
				f.join(t, "doc", "A")
				f.join(t, "doc", "B")
				edits := map[string]string{"A": "cat", "B": "dog"}
				second := map[string]string{"A": "B", "B": "A"}[first]

				f.submit(t, "doc", first, 0, ins(0, edits[first]))
				f.submit(t, "doc", second, 0, ins(0, edits[second]))

				doc, err := f.coord.Document(context.Background(), "doc")
				require.NoError(t, err)
				assert.Equal(t, tc.want, doc.Text)
			})
		}
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.submit(t, "doc", "A", 0, ins(0, "abc"))

	_, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "Z", BaseClock: 1, Delta: ins(0, "x")})
	assert.ErrorIs(t, err, ErrNotJoined)

	_, err = f.coord.Submit(ctx, SubmitRequest{DocID: "other", ClientID: "A", BaseClock: 0, Delta: ins(0, "x")})
	assert.ErrorIs(t, err, ErrNotJoined)

	// 越界
	_, err = f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: 1, Delta: delta.Delta{}.Retain(2, nil).Delete(5)})
	assert.ErrorIs(t, err, ErrMalformedOperation)

	// base 超前
	_, err = f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: 9, Delta: ins(0, "x")})
	assert.ErrorIs(t, err, ErrMalformedOperation)

	// 结构非法
	_, err = f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: 1, Delta: delta.Delta{{Kind: delta.KindDelete}}})
	assert.ErrorIs(t, err, ErrMalformedOperation)

	// 被拒绝的操作不广播、不推进 clock
	assert.Equal(t, []uint64{1}, f.rec.publishedClocks())
	doc, _ := f.coord.Document(ctx, "doc")
	assert.Equal(t, uint64(1), doc.Clock)
}

func TestSubmitRejectsWrappingRetains(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.submit(t, "doc", "A", 0, ins(0, "abc"))

	tails := []delta.Op{
		{Kind: delta.KindInsert, Text: "x"},
		{Kind: delta.KindRetain, Count: 1, Attrs: map[string]any{"bold": true}},
	}
	for _, tail := range tails {
		d := delta.Delta{
			{Kind: delta.KindRetain, Count: math.MaxInt},
			{Kind: delta.KindRetain, Count: math.MaxInt},
			{Kind: delta.KindRetain, Count: 2},
			tail,
		}
		_, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: 1, Delta: d})
		assert.ErrorIs(t, err, ErrMalformedOperation, "tail %v", tail)
	}

	assert.Equal(t, []uint64{1}, f.rec.publishedClocks())
	var doc JoinResult
	require.NotPanics(t, func() {
		var err error
		doc, err = f.coord.Document(ctx, "doc")
		require.NoError(t, err)
	})
	assert.Equal(t, "abc", doc.Text)
	assert.Equal(t, uint64(1), doc.Clock)

	// 持久化的快照与日志恢复出同样的内容
	_, err := f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)
	r, err := f.coord.Checkpoints().Restore(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", r.Content.Text())
}

func TestDuplicateClientSeq(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")

	req := SubmitRequest{DocID: "doc", ClientID: "A", ClientSeq: 1, BaseClock: 0, Delta: ins(0, "a")}
	_, err := f.coord.Submit(ctx, req)
	require.NoError(t, err)
	_, err = f.coord.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	req.ClientSeq, req.BaseClock = 2, 1
	_, err = f.coord.Submit(ctx, req)
	require.NoError(t, err)
}

func TestStaleOperationThenRejoin(t *testing.T) {
	f := newFixture(t, Options{RetainOps: 0})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.join(t, "doc", "B")

	f.submit(t, "doc", "A", 0, ins(0, "a"))
	f.submit(t, "doc", "A", 1, ins(1, "b"))
	f.submit(t, "doc", "A", 2, ins(2, "c"))

	persisted, err := f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)
	require.True(t, persisted)
	floor, _ := f.log.Floor(ctx, "doc")
	assert.Equal(t, uint64(3), floor)

	_, err = f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "B", BaseClock: 1, Delta: ins(0, "x")})
	require.ErrorIs(t, err, ErrStaleOperation)

	res := f.join(t, "doc", "B")
	assert.Equal(t, uint64(3), res.Clock)
	assert.Equal(t, "abc", res.Text)

	op := f.submit(t, "doc", "B", res.Clock, ins(0, "x"))
	assert.Equal(t, uint64(4), op.Clock)
	doc, _ := f.coord.Document(ctx, "doc")
	assert.Equal(t, "xabc", doc.Text)
}

func TestRetainOpsKeepsRecentTail(t *testing.T) {
	f := newFixture(t, Options{RetainOps: 2})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.join(t, "doc", "B")
	for i := uint64(0); i < 5; i++ {
		f.submit(t, "doc", "A", i, ins(0, "a"))
	}
	_, err := f.coord.Snapshot(ctx, "doc")
	require.NoError(t, err)

	floor, _ := f.log.Floor(ctx, "doc")
	assert.Equal(t, uint64(3), floor)

	// base 3 仍可 rebase
	op := f.submit(t, "doc", "B", 3, ins(0, "b"))
	assert.Equal(t, uint64(6), op.Clock)
}

func TestConcurrentSubmitsConverge(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const clients, perClient = 8, 25

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		id := fmt.Sprintf("client-%d", i)
		res := f.join(t, "doc", id)
		wg.Add(1)
		go func(id string, base uint64) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				_, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: id, BaseClock: base, Delta: ins(0, id[len(id)-1:])})
				assert.NoError(t, err)
			}
		}(id, res.Clock)
	}
	wg.Wait()

	ops, err := f.log.Tail(ctx, "doc", 0)
	require.NoError(t, err)
	require.Len(t, ops, clients*perClient)

	var replay delta.Delta
	for i, op := range ops {
		assert.Equal(t, uint64(i+1), op.Clock)
		replay = replay.Compose(op.Delta)
	}
	doc, err := f.coord.Document(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, replay.Text(), doc.Text)
	assert.Equal(t, clients*perClient, len(doc.Text))

	// 广播顺序与 clock 顺序一致
	clocks := f.rec.publishedClocks()
	for i, c := range clocks {
		assert.Equal(t, uint64(i+1), c)
	}
}

func TestLeaveSchedulesTeardownWithFinalCheckpoint(t *testing.T) {
	f := newFixture(t, Options{GracePeriod: 20 * time.Millisecond})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.submit(t, "doc", "A", 0, ins(0, "persist me"))
	require.NoError(t, f.coord.Leave(ctx, "doc", "A"))

	require.Eventually(t, func() bool { return f.coord.lookup("doc") == nil }, time.Second, 5*time.Millisecond)
	snap, err := f.store.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Clock)
	assert.Equal(t, "persist me", snap.Text)

	// 冷 join 从快照恢复
	res := f.join(t, "doc", "B")
	assert.Equal(t, "persist me", res.Text)
	assert.Equal(t, uint64(1), res.Clock)
}

func TestRejoinDuringGraceCancelsTeardown(t *testing.T) {
	f := newFixture(t, Options{GracePeriod: 50 * time.Millisecond})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.submit(t, "doc", "A", 0, ins(0, "x"))
	require.NoError(t, f.coord.Leave(ctx, "doc", "A"))
	f.join(t, "doc", "A")

	time.Sleep(120 * time.Millisecond)
	assert.NotNil(t, f.coord.lookup("doc"))
	_, err := f.store.Load(ctx, "doc")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)

	assert.ErrorIs(t, f.coord.Leave(ctx, "doc", "nobody"), ErrNotJoined)
}

func TestAck(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.join(t, "doc", "B")
	f.submit(t, "doc", "A", 0, ins(0, "x"))

	require.NoError(t, f.coord.Ack(ctx, "doc", "B", 1))
	assert.ErrorIs(t, f.coord.Ack(ctx, "doc", "B", 5), ErrMalformedOperation)
	assert.ErrorIs(t, f.coord.Ack(ctx, "doc", "Z", 1), ErrNotJoined)

	for _, m := range f.coord.Members("doc") {
		if m.ClientID == "B" {
			assert.Equal(t, uint64(1), m.LastAckClock)
		}
	}
}

// brokenLog 在开关打开后让 Tail 报告日志损坏
type brokenLog struct {
	oplog.Log
	mu     sync.Mutex
	broken bool
}

func (b *brokenLog) breakTail() {
	b.mu.Lock()
	b.broken = true
	b.mu.Unlock()
}

func (b *brokenLog) Tail(ctx context.Context, docID string, since uint64) ([]ot.Operation, error) {
	b.mu.Lock()
	broken := b.broken
	b.mu.Unlock()
	if broken {
		return nil, fmt.Errorf("%w: doc %s gap at %d", oplog.ErrLogIntegrity, docID, since+1)
	}
	return b.Log.Tail(ctx, docID, since)
}

func TestLogIntegrityFailsSession(t *testing.T) {
	l := &brokenLog{Log: oplog.NewMemoryLog()}
	f := newFixtureWith(t, l, store.NewMemoryStore(), Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.join(t, "doc", "B")
	f.submit(t, "doc", "A", 0, ins(0, "x"))

	l.breakTail()
	_, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "B", BaseClock: 0, Delta: ins(0, "y")})
	require.ErrorIs(t, err, ErrLogIntegrity)
	assert.Equal(t, []string{"doc:LOG_INTEGRITY"}, f.rec.resyncs)
	assert.Nil(t, f.coord.lookup("doc"))

	// 日志仍然损坏：拒绝服务而不是返回残缺内容
	_, err = f.coord.Join(ctx, "doc", "A", 1)
	assert.ErrorIs(t, err, ErrRecovery)
}

func TestCloseCheckpointsLiveSessions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc-1", "A")
	f.join(t, "doc-2", "A")
	f.submit(t, "doc-1", "A", 0, ins(0, "one"))
	f.submit(t, "doc-2", "A", 0, ins(0, "two"))

	require.NoError(t, f.coord.Close(ctx))
	for doc, text := range map[string]string{"doc-1": "one", "doc-2": "two"} {
		snap, err := f.store.Load(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, text, snap.Text)
	}

	_, err := f.coord.Join(ctx, "doc-3", "A", 1)
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")
	f.join(t, "doc", "B")
	f.submit(t, "doc", "A", 0, ins(0, "abc"))
	f.submit(t, "doc", "B", 1, ins(3, "de"))

	require.NoError(t, f.coord.Close(ctx))

	_, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: 2, Delta: ins(3, "LOST")})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotJoined), "%v", err)
	assert.Equal(t, []uint64{1, 2}, f.rec.publishedClocks())

	// 已关闭的协调器不再接受成员变更
	_, err = f.coord.Join(ctx, "doc", "C", 3)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Error(t, f.coord.Leave(ctx, "doc", "B"))

	// 最终快照就是最后一次写入，日志里没有更新的操作
	snap, err := f.store.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Clock)
	assert.Equal(t, "abcde", snap.Text)
	ops, err := f.log.Tail(ctx, "doc", 2)
	require.NoError(t, err)
	assert.Empty(t, ops)
	doc, err := f.coord.Document(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "abcde", doc.Text)
}

// Close 与并发写入交错时，每个被接受的操作都包含在最终快照里
func TestCloseRacingSubmits(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.join(t, "doc", "A")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < 200; i++ {
			if _, err := f.coord.Submit(ctx, SubmitRequest{DocID: "doc", ClientID: "A", BaseClock: i, Delta: ins(0, "x")}); err != nil {
				return
			}
		}
	}()
	require.NoError(t, f.coord.Close(ctx))
	wg.Wait()

	clocks := f.rec.publishedClocks()
	snap, err := f.store.Load(ctx, "doc")
	if len(clocks) == 0 {
		assert.Error(t, err)
		return
	}
	require.NoError(t, err)
	assert.Equal(t, clocks[len(clocks)-1], snap.Clock)
	assert.Equal(t, len(clocks), len(snap.Text))
}
