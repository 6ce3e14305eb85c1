package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
)

// MemberLister 由 *collab.Coordinator 实现
type MemberLister interface {
	Members(docID string) []collab.Member
}

// Presence 返回文档的在线成员：优先读 Redis presence（跨标签页、带用户名），
// 没有配置 Redis 时读会话内的成员
type Presence struct {
	cache   cache.PresenceCache
	members MemberLister
}

func NewPresence(p cache.PresenceCache, m MemberLister) *Presence {
	return &Presence{cache: p, members: m}
}

func (h *Presence) Register(g *gin.RouterGroup) {
	g.GET("/documents/:docId/members", h.GetMembers)
}

func (h *Presence) GetMembers(c *gin.Context) {
	docID := c.Param("docId")
	if h.cache != nil {
		members, err := h.cache.GetAliveMembers(c.Request.Context(), docID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
			return
		}
		if members == nil {
			members = []cache.PresenceMember{}
		}
		c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
		return
	}

	live := h.members.Members(docID)
	out := make([]cache.PresenceMember, 0, len(live))
	for _, m := range live {
		out = append(out, cache.PresenceMember{ClientID: m.ClientID, UserID: m.AuthorID})
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": out})
}
