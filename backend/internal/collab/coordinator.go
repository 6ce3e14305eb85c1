package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docsync/backend/internal/oplog"
	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

// Service 是传输层（websocket / HTTP）依赖的协作引擎接口
type Service interface {
	Join(ctx context.Context, docID, clientID string, authorID uint64) (JoinResult, error)
	Submit(ctx context.Context, req SubmitRequest) (ot.Operation, error)
	Leave(ctx context.Context, docID, clientID string) error
	Ack(ctx context.Context, docID, clientID string, clock uint64) error
	Document(ctx context.Context, docID string) (JoinResult, error)
	OpsSince(ctx context.Context, docID string, since uint64) ([]ot.Operation, error)
	Snapshot(ctx context.Context, docID string) (bool, error)
}

type Options struct {
	// 最后一个成员离开后等待多久销毁会话
	GracePeriod time.Duration
	// 定期快照间隔，<=0 表示只在销毁时做快照
	CheckpointInterval time.Duration
	// 快照后日志里额外保留的操作数，让稍旧的客户端仍能 rebase
	RetainOps uint64
	TieBreak  ot.TieBreak
}

type JoinResult struct {
	DocID   string      `json:"docId"`
	Content delta.Delta `json:"content"`
	Text    string      `json:"text"`
	Clock   uint64      `json:"clock"`
}

type SubmitRequest struct {
	DocID     string
	ClientID  string
	ClientSeq uint64
	AuthorID  uint64
	BaseClock uint64
	Delta     delta.Delta
}

// Coordinator 为每个文档维护一个会话，是该文档操作顺序的唯一裁决者
type Coordinator struct {
	log         oplog.Log
	gateway     Broadcaster
	engine      *ot.Engine
	checkpoints *CheckpointManager
	opts        Options
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	restoring singleflight.Group
	now       func() time.Time
}

var _ Service = (*Coordinator)(nil)

func NewCoordinator(log oplog.Log, snapshots store.SnapshotStore, gateway Broadcaster, opts Options, logger *zap.Logger) *Coordinator {
	if gateway == nil {
		gateway = nopBroadcaster{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		log:      log,
		gateway:  gateway,
		engine:   ot.NewEngine(opts.TieBreak),
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
	c.checkpoints = newCheckpointManager(c, snapshots, log, opts.CheckpointInterval, logger)
	return c
}

func (c *Coordinator) Checkpoints() *CheckpointManager { return c.checkpoints }

// lookup 只返回仍在内存中的会话
func (c *Coordinator) lookup(docID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[docID]
}

func (c *Coordinator) liveSessions() []*session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// load 返回文档的会话，不在内存中时从快照 + 日志恢复；并发的冷启动只恢复一次
func (c *Coordinator) load(ctx context.Context, docID string) (*session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s := c.sessions[docID]
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}

	ch := c.restoring.DoChan(docID, func() (any, error) {
		if s := c.lookup(docID); s != nil {
			return s, nil
		}
		r, err := c.checkpoints.Restore(context.WithoutCancel(ctx), docID)
		if err != nil {
			return nil, err
		}
		s := newSession(docID, r)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil, ErrSessionClosed
		}
		c.sessions[docID] = s
		c.logger.Info("session restored",
			zap.String("docId", docID),
			zap.Uint64("clock", r.Clock),
			zap.Uint64("snapshotClock", r.SnapshotClock),
			zap.Int("tail", len(r.Tail)))
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join 注册成员并返回当前权威内容与 clock。重复 join 用于 resync。
func (c *Coordinator) Join(ctx context.Context, docID, clientID string, authorID uint64) (JoinResult, error) {
	for {
		s, err := c.load(ctx, docID)
		if err != nil {
			return JoinResult{}, err
		}

		s.mu.Lock()
		if s.closed {
			// 会话正在销毁，等它从 map 中移除后重新恢复
			s.mu.Unlock()
			select {
			case <-s.done:
				continue
			case <-ctx.Done():
				return JoinResult{}, ctx.Err()
			}
		}
		if s.teardown != nil {
			s.teardown.Stop()
			s.teardown = nil
		}
		m, ok := s.members[clientID]
		if !ok {
			m = &Member{ClientID: clientID, AuthorID: authorID, JoinedAt: c.now()}
			s.members[clientID] = m
		}
		m.LastAckClock = s.clock
		res := s.view()
		c.gateway.NotifyMembership(context.WithoutCancel(ctx), docID, MembershipEvent{
			Kind:     MemberJoined,
			ClientID: clientID,
			AuthorID: authorID,
			At:       c.now(),
			Content:  res.Content,
			Text:     res.Text,
			Clock:    res.Clock,
		})
		s.mu.Unlock()

		c.logger.Debug("member joined",
			zap.String("docId", docID), zap.String("clientId", clientID), zap.Uint64("clock", res.Clock))
		return res, nil
	}
}

// Submit 串行地为操作分配 clock：rebase 到所有并发操作之后，写入日志，再广播。
// 日志写入成功即视为接受，之后的广播不受调用方取消影响。
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (ot.Operation, error) {
	s := c.lookup(req.DocID)
	if s == nil {
		return ot.Operation{}, fmt.Errorf("doc %s client %s: %w", req.DocID, req.ClientID, ErrNotJoined)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ot.Operation{}, fmt.Errorf("doc %s: %w", req.DocID, ErrSessionClosed)
	}
	if _, ok := s.members[req.ClientID]; !ok {
		return ot.Operation{}, fmt.Errorf("doc %s client %s: %w", req.DocID, req.ClientID, ErrNotJoined)
	}
	if req.ClientSeq != 0 && req.ClientSeq <= s.lastSeq[req.ClientID] {
		return ot.Operation{}, fmt.Errorf("client %s seq %d after %d: %w",
			req.ClientID, req.ClientSeq, s.lastSeq[req.ClientID], ErrDuplicateOperation)
	}
	if req.BaseClock < s.floor {
		return ot.Operation{}, fmt.Errorf("base clock %d below floor %d: %w", req.BaseClock, s.floor, ErrStaleOperation)
	}
	if req.BaseClock > s.clock {
		return ot.Operation{}, fmt.Errorf("%w: base clock %d ahead of session clock %d", ErrMalformedOperation, req.BaseClock, s.clock)
	}

	concurrent, err := c.log.Tail(ctx, req.DocID, req.BaseClock)
	switch {
	case errors.Is(err, oplog.ErrCompacted):
		return ot.Operation{}, fmt.Errorf("%w: %w", ErrStaleOperation, err)
	case errors.Is(err, oplog.ErrLogIntegrity):
		c.failSession(s, err)
		return ot.Operation{}, err
	case err != nil:
		return ot.Operation{}, err
	}
	if n := uint64(len(concurrent)); n != s.clock-req.BaseClock {
		err := fmt.Errorf("%w: doc %s log holds %d ops after %d, session clock is %d",
			ErrLogIntegrity, req.DocID, n, req.BaseClock, s.clock)
		c.failSession(s, err)
		return ot.Operation{}, err
	}

	op := ot.Operation{
		ID:        uuid.NewString(),
		DocID:     req.DocID,
		ClientID:  req.ClientID,
		ClientSeq: req.ClientSeq,
		AuthorID:  req.AuthorID,
		Clock:     s.clock + 1,
		BaseClock: req.BaseClock,
		Delta:     req.Delta,
	}
	rebased, err := c.engine.Rebase(op, concurrent)
	if err != nil {
		return ot.Operation{}, err
	}
	if err := c.engine.Fit(rebased, s.buf.Len()); err != nil {
		return ot.Operation{}, err
	}
	rebased.AppliedAt = c.now()

	if err := c.log.Append(ctx, rebased); err != nil {
		if errors.Is(err, oplog.ErrLogIntegrity) {
			c.failSession(s, err)
		}
		return ot.Operation{}, err
	}
	if err := s.buf.Apply(rebased.Delta); err != nil {
		// Fit 之后不应失败；日志已写入，内存状态不可信
		err = fmt.Errorf("%w: doc %s clock %d accepted but not applied: %w", ErrLogIntegrity, req.DocID, rebased.Clock, err)
		c.failSession(s, err)
		return ot.Operation{}, err
	}
	s.clock = rebased.Clock
	if req.ClientSeq != 0 {
		s.lastSeq[req.ClientID] = req.ClientSeq
	}
	c.gateway.Publish(context.WithoutCancel(ctx), req.DocID, rebased, req.ClientID)
	return rebased, nil
}

// Leave 注销成员；最后一个成员离开后，等待 GracePeriod 再做最终快照并销毁会话
func (c *Coordinator) Leave(ctx context.Context, docID, clientID string) error {
	s := c.lookup(docID)
	if s == nil {
		return fmt.Errorf("doc %s client %s: %w", docID, clientID, ErrNotJoined)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("doc %s: %w", docID, ErrSessionClosed)
	}
	m, ok := s.members[clientID]
	if !ok {
		return fmt.Errorf("doc %s client %s: %w", docID, clientID, ErrNotJoined)
	}
	delete(s.members, clientID)
	c.gateway.NotifyMembership(context.WithoutCancel(ctx), docID, MembershipEvent{
		Kind:     MemberLeft,
		ClientID: clientID,
		AuthorID: m.AuthorID,
		At:       c.now(),
	})
	if len(s.members) == 0 && !s.closed && s.teardown == nil {
		s.teardown = time.AfterFunc(c.opts.GracePeriod, func() { c.teardown(s) })
	}
	return nil
}

// Ack 记录成员已确认的 clock
func (c *Coordinator) Ack(ctx context.Context, docID, clientID string, clock uint64) error {
	s := c.lookup(docID)
	if s == nil {
		return fmt.Errorf("doc %s client %s: %w", docID, clientID, ErrNotJoined)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[clientID]
	if !ok {
		return fmt.Errorf("doc %s client %s: %w", docID, clientID, ErrNotJoined)
	}
	if clock > s.clock {
		return fmt.Errorf("%w: ack clock %d ahead of session clock %d", ErrMalformedOperation, clock, s.clock)
	}
	if clock > m.LastAckClock {
		m.LastAckClock = clock
	}
	return nil
}

// Members 返回会话当前成员的副本
func (c *Coordinator) Members(docID string) []Member {
	s := c.lookup(docID)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	return out
}

// Document 返回文档当前内容；文档不在内存中时只读恢复，不创建会话
func (c *Coordinator) Document(ctx context.Context, docID string) (JoinResult, error) {
	if s := c.lookup(docID); s != nil {
		s.mu.RLock()
		res, live := s.view(), !s.closed
		s.mu.RUnlock()
		if live {
			return res, nil
		}
	}
	r, err := c.checkpoints.Restore(ctx, docID)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{DocID: docID, Content: r.Content, Text: r.Content.Text(), Clock: r.Clock}, nil
}

// OpsSince 读取日志中 clock > since 的操作，用于客户端追赶
func (c *Coordinator) OpsSince(ctx context.Context, docID string, since uint64) ([]ot.Operation, error) {
	ops, err := c.log.Tail(ctx, docID, since)
	if errors.Is(err, oplog.ErrCompacted) {
		return nil, fmt.Errorf("%w: %w", ErrStaleOperation, err)
	}
	return ops, err
}

func (c *Coordinator) Snapshot(ctx context.Context, docID string) (bool, error) {
	return c.checkpoints.Snapshot(ctx, docID)
}

// teardown 在宽限期结束后执行：标记关闭、最终快照、从 map 中移除
func (c *Coordinator) teardown(s *session) {
	s.mu.Lock()
	if s.closed || len(s.members) > 0 {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.teardown = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.checkpoints.snapshotSession(ctx, s); err != nil {
		// 日志仍然完整，下次 join 会从旧快照 + 日志恢复
		c.logger.Error("final checkpoint failed", zap.String("docId", s.docID), zap.Error(err))
	}
	c.remove(s)
	c.logger.Info("session closed", zap.String("docId", s.docID))
}

func (c *Coordinator) remove(s *session) {
	c.mu.Lock()
	if c.sessions[s.docID] == s {
		delete(c.sessions, s.docID)
	}
	c.mu.Unlock()
	close(s.done)
}

// failSession 处理会话致命错误：丢弃内存状态并要求所有成员重新 join。调用方持有 s.mu。
func (c *Coordinator) failSession(s *session, cause error) {
	if s.closed {
		return
	}
	s.closed = true
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
	s.members = make(map[string]*Member)
	c.logger.Error("session failed", zap.String("docId", s.docID), zap.Error(cause))
	c.gateway.ForceResync(context.Background(), s.docID, ErrorCode(cause))
	c.remove(s)
}

// compact 在快照写入后压缩日志并提升 floor
func (c *Coordinator) compact(ctx context.Context, s *session, snapshotClock uint64) error {
	target := snapshotClock + 1
	if target <= c.opts.RetainOps {
		return nil
	}
	target -= c.opts.RetainOps

	s.mu.Lock()
	defer s.mu.Unlock()
	if target-1 <= s.floor {
		return nil
	}
	if err := c.log.CompactBefore(ctx, s.docID, target); err != nil {
		return err
	}
	s.floor = target - 1
	return nil
}

// Close 停止所有会话：先拒绝新的写入，再为每个会话做最终快照并移除。
// 之后的 Submit/Join/Leave 返回 ErrSessionClosed 或 ErrNotJoined。
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, s := range c.liveSessions() {
		s.mu.Lock()
		if s.closed {
			// teardown 或 failSession 正在处理
			s.mu.Unlock()
			continue
		}
		s.closed = true
		if s.teardown != nil {
			s.teardown.Stop()
			s.teardown = nil
		}
		s.mu.Unlock()
		if _, err := c.checkpoints.snapshotSession(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("doc %s: %w", s.docID, err))
		}
		c.remove(s)
	}
	return errors.Join(errs...)
}
