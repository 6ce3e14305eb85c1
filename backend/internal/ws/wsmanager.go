package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/suggest"
)

// Manager 负责升级 websocket 并为每个连接启动读写循环
type Manager struct {
	hub      *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	suggest  *suggest.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewManager 的 allowedOrigins 为空时接受任意来源；否则按前缀匹配，
// 缺省或为 "null" 的 Origin（非浏览器客户端）总是放行
func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, sg *suggest.Service, allowedOrigins []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sem == nil {
		sem = collab.NewSemaphoreControl(0)
	}
	if sg == nil {
		sg = suggest.NewService(nil, 0, logger)
	}
	m := &Manager{hub: h, svc: svc, sem: sem, suggest: sg, logger: logger}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" || len(allowedOrigins) == 0 {
			return true
		}
		for _, p := range allowedOrigins {
			if p != "" && strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 处理 GET /collab/ws?clientId=...
// userId / username 由鉴权中间件写入 gin.Context
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m, clientID, userID, username)
	if !m.hub.register(wsConn) {
		m.logger.Info("rejecting websocket during shutdown", zap.String("clientId", clientID))
		return
	}
	defer m.hub.unregister(wsConn)
	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: TypeWelcome, ClientID: clientID})

	// 阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
