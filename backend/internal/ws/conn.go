package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/suggest"
)

const (
	sendQueueSize = 64
	submitTimeout = 200 * time.Millisecond
	presenceTTL   = 600 * time.Second
	writeWait     = 10 * time.Second
)

// Conn 是一个 websocket 连接，同一时刻最多加入一个文档。
// readLoop 处理入站消息，writeLoop 独占底层连接的写。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	suggest  *suggest.Service
	logger   *zap.Logger
	userID   uint64
	username string
	clientID string

	mu    sync.Mutex
	docID string

	send chan OutboundMessage
	// 队列满时唤醒 writeLoop 下发 resync
	kick chan struct{}
	done chan struct{}
	// 收到 joined 之后才投递 op_broadcast
	ready   atomic.Bool
	lagging atomic.Bool
}

func NewConn(ws *websocket.Conn, m *Manager, clientID string, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      m.hub,
		svc:      m.svc,
		sem:      m.sem,
		suggest:  m.suggest,
		logger:   m.logger.With(zap.String("clientId", clientID), zap.Uint64("userId", userID)),
		userID:   userID,
		username: username,
		clientID: clientID,
		send:     make(chan OutboundMessage, sendQueueSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *Conn) DocID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

func (c *Conn) setDocID(docID string) {
	c.mu.Lock()
	c.docID = docID
	c.mu.Unlock()
}

// Enqueue 非阻塞入队。队列满说明客户端跟不上：停止投递操作并让它重新 join。
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
	}
	if c.lagging.CompareAndSwap(false, true) {
		c.ready.Store(false)
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return false
}

func (c *Conn) sendError(docID string, clientSeq uint64, err error) {
	c.Enqueue(ServerMessage{
		Type:      TypeError,
		DocID:     docID,
		ClientSeq: clientSeq,
		Code:      collab.ErrorCode(err),
		Content:   err.Error(),
	})
}

func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if docID == "" {
		c.sendError("", 0, fmt.Errorf("%w: missing docId", collab.ErrMalformedOperation))
		return
	}
	prev := c.DocID()
	if prev != "" && prev != docID {
		c.leaveDoc(ctx, prev)
	}

	c.ready.Store(false)
	c.lagging.Store(false)
	c.hub.Join(docID, c)
	c.setDocID(docID)
	if _, err := c.svc.Join(ctx, docID, c.clientID, c.userID); err != nil {
		c.logger.Warn("join failed", zap.String("docId", docID), zap.Error(err))
		c.hub.Leave(docID, c)
		c.setDocID("")
		c.sendError(docID, 0, err)
		return
	}
	c.touchPresence(ctx, docID)
}

func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" || msg.DocID != c.DocID() {
		c.sendError(msg.DocID, msg.ClientSeq, collab.ErrNotJoined)
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	err := c.sem.Acquire(acquireCtx)
	cancel()
	if err != nil {
		c.Enqueue(ServerMessage{Type: TypeError, DocID: msg.DocID, ClientSeq: msg.ClientSeq, Code: err.Error(), Content: "server busy, retry"})
		return
	}
	defer c.sem.Release()

	// 确认消息由 Hub.Publish 在会话锁内下发
	_, err = c.svc.Submit(ctx, collab.SubmitRequest{
		DocID:     msg.DocID,
		ClientID:  c.clientID,
		ClientSeq: msg.ClientSeq,
		AuthorID:  c.userID,
		BaseClock: msg.BaseClock,
		Delta:     msg.Ops,
	})
	if err != nil {
		c.logger.Debug("operation rejected",
			zap.String("docId", msg.DocID), zap.Uint64("clientSeq", msg.ClientSeq), zap.Error(err))
		c.sendError(msg.DocID, msg.ClientSeq, err)
	}
}

func (c *Conn) leaveDoc(ctx context.Context, docID string) {
	c.ready.Store(false)
	c.hub.Leave(docID, c)
	c.setDocID("")
	if err := c.svc.Leave(ctx, docID, c.clientID); err != nil && !errors.Is(err, collab.ErrNotJoined) && !errors.Is(err, collab.ErrSessionClosed) {
		c.logger.Warn("leave failed", zap.String("docId", docID), zap.Error(err))
	}
	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, docID, c.clientID); err != nil {
			c.logger.Warn("remove presence failed", zap.String("docId", docID), zap.Error(err))
		}
	}
}

func (c *Conn) touchPresence(ctx context.Context, docID string) {
	if c.hub.presence == nil {
		return
	}
	m := cache.PresenceMember{ClientID: c.clientID, UserID: c.userID, Username: c.username}
	if err := c.hub.presence.AddMember(ctx, docID, m, presenceTTL); err != nil {
		c.logger.Warn("add presence failed", zap.String("docId", docID), zap.Error(err))
	}
}

func (c *Conn) aliveMembers(ctx context.Context, docID string) []cache.PresenceMember {
	if c.hub.presence == nil {
		return c.hub.roomMembers(docID)
	}
	members, err := c.hub.presence.GetAliveMembers(ctx, docID)
	if err != nil {
		c.logger.Warn("get alive members failed", zap.String("docId", docID), zap.Error(err))
		return c.hub.roomMembers(docID)
	}
	return members
}

func (c *Conn) handleSuggest(ctx context.Context, msg ClientMessage) {
	kind, err := suggest.ParseKind(msg.Kind)
	if err != nil {
		c.Enqueue(SuggestionMessage{Type: TypeSuggestion, RequestID: msg.RequestID, Kind: msg.Kind, Reason: "unknown kind"})
		return
	}
	// 建议请求不阻塞编辑
	go func() {
		res := c.suggest.Suggest(ctx, kind, msg.Text)
		c.Enqueue(SuggestionMessage{
			Type:      TypeSuggestion,
			RequestID: msg.RequestID,
			Kind:      string(res.Kind),
			Text:      res.Text,
			Available: res.Available,
			Reason:    res.Reason,
		})
	}()
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if docID := c.DocID(); docID != "" {
			c.leaveDoc(context.WithoutCancel(ctx), docID)
		}
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("read json error", zap.String("docId", c.DocID()), zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case TypeJoin:
			c.handleJoin(ctx, msg.DocID)

		case TypeOperation:
			c.handleOperation(ctx, msg)

		case TypeAck:
			if err := c.svc.Ack(ctx, msg.DocID, c.clientID, msg.Clock); err != nil {
				c.sendError(msg.DocID, 0, err)
			}

		case TypeLeave:
			if docID := c.DocID(); docID != "" {
				c.leaveDoc(ctx, docID)
			}

		case TypeHeartbeat:
			docID := c.DocID()
			if docID == "" {
				continue
			}
			c.touchPresence(ctx, docID)
			c.hub.BroadcastPresence(docID, c.aliveMembers(ctx, docID))

		case TypeShowAliveMembers:
			docID := c.DocID()
			c.Enqueue(ServerMessage{Type: TypeShowAliveMembers, DocID: docID, Members: c.aliveMembers(ctx, docID)})

		case TypeSuggest:
			c.handleSuggest(ctx, msg)

		default:
			c.Enqueue(ServerMessage{Type: TypeError, Code: "UNKNOWN_MESSAGE", Content: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) write(msg OutboundMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// writeLoop 持续消费发送队列，直到 readLoop 退出
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Info("write error", zap.Error(err))
				// 让 readLoop 也退出
				_ = c.ws.Close()
				return
			}
		case <-c.kick:
			// 丢弃积压的消息，客户端重新 join 后从新的 clock 开始
		drain:
			for {
				select {
				case <-c.send:
				default:
					break drain
				}
			}
			docID := c.DocID()
			c.logger.Warn("slow consumer, forcing resync", zap.String("docId", docID))
			if err := c.write(ServerMessage{Type: TypeResync, DocID: docID, Reason: ReasonSlowConsumer}); err != nil {
				_ = c.ws.Close()
				return
			}
			c.lagging.Store(false)
		}
	}
}
