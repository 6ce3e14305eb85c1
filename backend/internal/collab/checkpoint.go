package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docsync/backend/internal/oplog"
	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

// Restored 是冷启动恢复的结果：快照内容依次 compose 日志尾部
type Restored struct {
	Content       delta.Delta
	Clock         uint64
	SnapshotClock uint64
	Floor         uint64
	Tail          []ot.Operation
}

// CheckpointManager 把会话内容落盘为快照，并据此压缩日志
type CheckpointManager struct {
	coord    *Coordinator
	store    store.SnapshotStore
	log      oplog.Log
	interval time.Duration
	logger   *zap.Logger
}

func newCheckpointManager(coord *Coordinator, s store.SnapshotStore, log oplog.Log, interval time.Duration, logger *zap.Logger) *CheckpointManager {
	return &CheckpointManager{coord: coord, store: s, log: log, interval: interval, logger: logger}
}

// Snapshot 为一个在线文档写快照；文档不在内存中时没有需要落盘的内容
func (m *CheckpointManager) Snapshot(ctx context.Context, docID string) (bool, error) {
	s := m.coord.lookup(docID)
	if s == nil {
		return false, nil
	}
	return m.snapshotSession(ctx, s)
}

// snapshotSession 在读锁下取时间点视图，锁外写存储，再压缩日志。
// 写存储期间 submit 照常进行。
func (m *CheckpointManager) snapshotSession(ctx context.Context, s *session) (bool, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	s.mu.RLock()
	snap := store.Snapshot{
		DocID:     s.docID,
		Clock:     s.clock,
		Content:   s.buf.Delta(),
		Text:      s.buf.String(),
		CreatedAt: m.coord.now(),
	}
	s.mu.RUnlock()

	if snap.Clock <= s.lastSnapshot.Load() {
		return false, nil
	}
	if err := m.store.Store(ctx, snap); err != nil {
		return false, fmt.Errorf("store snapshot of doc %s at clock %d: %w", s.docID, snap.Clock, err)
	}
	s.lastSnapshot.Store(snap.Clock)
	m.logger.Debug("snapshot stored", zap.String("docId", s.docID), zap.Uint64("clock", snap.Clock))

	if err := m.coord.compact(ctx, s, snap.Clock); err != nil {
		// 快照已经落盘，压缩失败只是日志多留了一些
		m.logger.Warn("log compaction failed", zap.String("docId", s.docID), zap.Error(err))
	}
	return true, nil
}

// Restore 读取最近的快照（没有则视为 clock 0 的空文档），再 compose 其后的全部日志。
// 日志缺失、损坏或被压缩到快照之后都返回 ErrRecovery，不返回残缺内容。
func (m *CheckpointManager) Restore(ctx context.Context, docID string) (Restored, error) {
	snap, err := m.store.Load(ctx, docID)
	switch {
	case errors.Is(err, store.ErrSnapshotNotFound):
		snap = store.Snapshot{DocID: docID}
	case err != nil:
		return Restored{}, fmt.Errorf("%w: doc %s: %w", ErrRecovery, docID, err)
	}
	if !snap.Content.IsDocument() {
		return Restored{}, fmt.Errorf("%w: doc %s snapshot at clock %d is not a document", ErrRecovery, docID, snap.Clock)
	}
	if err := snap.Content.Validate(); err != nil {
		return Restored{}, fmt.Errorf("%w: doc %s snapshot at clock %d: %w", ErrRecovery, docID, snap.Clock, err)
	}

	floor, err := m.log.Floor(ctx, docID)
	if err != nil {
		return Restored{}, fmt.Errorf("%w: doc %s: %w", ErrRecovery, docID, err)
	}
	last, err := m.log.Last(ctx, docID)
	if err != nil {
		return Restored{}, fmt.Errorf("%w: doc %s: %w", ErrRecovery, docID, err)
	}
	if floor > snap.Clock {
		return Restored{}, fmt.Errorf("%w: doc %s log compacted to %d past snapshot clock %d",
			ErrRecovery, docID, floor, snap.Clock)
	}
	if last < snap.Clock {
		// 日志落后于快照（例如内存日志重启后为空），快照已覆盖这些操作，把日志对齐到快照
		if err := m.log.CompactBefore(ctx, docID, snap.Clock+1); err != nil {
			return Restored{}, fmt.Errorf("%w: doc %s: %w", ErrRecovery, docID, err)
		}
		floor = snap.Clock
	}

	tail, err := m.log.Tail(ctx, docID, snap.Clock)
	if err != nil {
		return Restored{}, fmt.Errorf("%w: doc %s: %w", ErrRecovery, docID, err)
	}
	content := snap.Content
	for i, op := range tail {
		if want := snap.Clock + uint64(i) + 1; op.Clock != want {
			return Restored{}, fmt.Errorf("%w: doc %s expected clock %d, found %d", ErrRecovery, docID, want, op.Clock)
		}
		if err := op.Delta.Validate(); err != nil {
			return Restored{}, fmt.Errorf("%w: doc %s clock %d: %w", ErrRecovery, docID, op.Clock, err)
		}
		if n := op.Delta.BaseLength(); n > content.Length() {
			return Restored{}, fmt.Errorf("%w: doc %s clock %d spans %d characters of %d",
				ErrRecovery, docID, op.Clock, n, content.Length())
		}
		content = content.Compose(op.Delta)
	}
	if !content.IsDocument() {
		return Restored{}, fmt.Errorf("%w: doc %s replay did not produce a document", ErrRecovery, docID)
	}

	return Restored{
		Content:       content,
		Clock:         snap.Clock + uint64(len(tail)),
		SnapshotClock: snap.Clock,
		Floor:         floor,
		Tail:          tail,
	}, nil
}

// Run 按固定间隔为 clock 有推进的在线会话做快照，直到 ctx 结束
func (m *CheckpointManager) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkpointAll(ctx)
		}
	}
}

func (m *CheckpointManager) checkpointAll(ctx context.Context) {
	for _, s := range m.coord.liveSessions() {
		if _, err := m.snapshotSession(ctx, s); err != nil {
			m.logger.Error("periodic checkpoint failed", zap.String("docId", s.docID), zap.Error(err))
		}
	}
}
