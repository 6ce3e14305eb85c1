package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot"
)

// Hub 是本进程内的广播网关：按文档维护房间，把协调器的事件投递到各连接的发送队列。
// 协调器在会话锁内调用 Publish / NotifyMembership，这里只做非阻塞入队。
type Hub struct {
	// 可为 nil：未配置 Redis 时在线成员退化为房间内的连接
	presence cache.PresenceCache
	logger   *zap.Logger
	// 保护 rooms
	mu sync.RWMutex
	// docID -> set of connections
	// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
	rooms map[string]map[*Conn]struct{}
	// 所有已升级的连接，含尚未 join 的；CloseAll 之后不再接受新连接
	all    map[*Conn]struct{}
	closed bool
}

var _ collab.Broadcaster = (*Hub)(nil)

func NewHub(p cache.PresenceCache, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		presence: p,
		logger:   logger,
		rooms:    make(map[string]map[*Conn]struct{}),
		all:      make(map[*Conn]struct{}),
	}
}

// register 记录新连接；hub 已关闭时返回 false，调用方应直接断开
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.all[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.all, c)
}

// CloseAll 断开所有连接并等待它们的读循环退出（退出时会离开所在文档）。
// 关停时在协调器 Close 之前调用；ctx 结束时不再等待。
func (h *Hub) CloseAll(ctx context.Context) int {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.all))
	for c := range h.all {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			h.logger.Warn("close connections interrupted", zap.Int("conns", len(conns)), zap.Error(ctx.Err()))
			return len(conns)
		}
	}
	h.logger.Info("websocket connections closed", zap.Int("conns", len(conns)))
	return len(conns)
}

// Join 将连接加入指定文档房间。必须在 Service.Join 之前调用，才能收到 joined 消息。
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// Publish 给提交者发确认，给其他已同步的连接发操作本身
func (h *Hub) Publish(_ context.Context, docID string, op ot.Operation, excludeClientID string) {
	for _, c := range h.conns(docID) {
		if c.clientID == excludeClientID {
			c.Enqueue(OpAppliedMessage{
				Type:      TypeOpApplied,
				DocID:     docID,
				Clock:     op.Clock,
				BaseClock: op.BaseClock,
				ClientSeq: op.ClientSeq,
				Ops:       op.Delta,
			})
			continue
		}
		if !c.ready.Load() {
			continue
		}
		c.Enqueue(OpBroadcastMessage{
			Type:      TypeOpBroadcast,
			DocID:     docID,
			Clock:     op.Clock,
			AuthorID:  op.AuthorID,
			ClientID:  op.ClientID,
			ClientSeq: op.ClientSeq,
			Ops:       op.Delta,
			AppliedAt: op.AppliedAt,
		})
	}
}

func (h *Hub) NotifyMembership(_ context.Context, docID string, ev collab.MembershipEvent) {
	for _, c := range h.conns(docID) {
		if ev.Kind == collab.MemberJoined && c.clientID == ev.ClientID {
			// joined 与后续 op_broadcast 在同一把会话锁下入队，顺序一致
			if c.Enqueue(JoinedMessage{Type: TypeJoined, DocID: docID, Clock: ev.Clock, Content: ev.Content, Text: ev.Text}) {
				c.ready.Store(true)
			}
			continue
		}
		if !c.ready.Load() {
			continue
		}
		c.Enqueue(MembershipMessage{
			Type:     TypeMembership,
			DocID:    docID,
			Kind:     string(ev.Kind),
			ClientID: ev.ClientID,
			AuthorID: ev.AuthorID,
		})
	}
}

func (h *Hub) ForceResync(_ context.Context, docID string, reason string) {
	conns := h.conns(docID)
	h.logger.Warn("force resync", zap.String("docId", docID), zap.String("reason", reason), zap.Int("conns", len(conns)))
	for _, c := range conns {
		c.ready.Store(false)
		c.Enqueue(ServerMessage{Type: TypeResync, DocID: docID, Reason: reason})
	}
}

func (h *Hub) BroadcastPresence(docID string, members []cache.PresenceMember) {
	msg := ServerMessage{Type: TypePresence, DocID: docID, Members: members}
	for _, c := range h.conns(docID) {
		c.Enqueue(msg)
	}
}

// roomMembers 是没有 presence 缓存时的在线成员列表
func (h *Hub) roomMembers(docID string) []cache.PresenceMember {
	conns := h.conns(docID)
	out := make([]cache.PresenceMember, 0, len(conns))
	for _, c := range conns {
		out = append(out, cache.PresenceMember{ClientID: c.clientID, UserID: c.userID, Username: c.username})
	}
	return out
}
