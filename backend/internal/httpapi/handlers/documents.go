package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot"
)

// Documents 是只读查询与运维快照接口，编辑只走 websocket
type Documents struct {
	svc collab.Service
}

func NewDocuments(svc collab.Service) *Documents {
	return &Documents{svc: svc}
}

func (h *Documents) Register(g *gin.RouterGroup) {
	g.GET("/documents/:docId", h.GetDocument)
	g.GET("/documents/:docId/ops", h.GetOps)
	g.POST("/documents/:docId/snapshot", h.SaveSnapshot)
}

func status(err error) int {
	switch {
	case errors.Is(err, collab.ErrStaleOperation):
		return http.StatusGone
	case errors.Is(err, collab.ErrMalformedOperation):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrRecovery), errors.Is(err, collab.ErrLogIntegrity):
		return http.StatusInternalServerError
	case errors.Is(err, collab.ErrSessionClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(status(err), gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
}

func (h *Documents) GetDocument(c *gin.Context) {
	doc, err := h.svc.Document(c.Request.Context(), c.Param("docId"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GetOps 返回 clock > since 的操作；since 早于压缩下限时返回 410，客户端应重新 join
func (h *Documents) GetOps(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "since must be an unsigned integer"})
		return
	}
	ops, err := h.svc.OpsSince(c.Request.Context(), c.Param("docId"), since)
	if err != nil {
		abort(c, err)
		return
	}
	if ops == nil {
		ops = []ot.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": c.Param("docId"), "since": since, "ops": ops})
}

// SaveSnapshot 立即为在线文档做一次快照。
// written=false 表示文档不在内存中，或自上次快照以来没有新的操作。
func (h *Documents) SaveSnapshot(c *gin.Context) {
	docID := c.Param("docId")
	written, err := h.svc.Snapshot(c.Request.Context(), docID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "written": written})
}
