package ws

import (
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/ot/delta"
)

// 客户端 -> 服务端的消息类型
const (
	TypeJoin             = "join"
	TypeOperation        = "operation"
	TypeAck              = "ack"
	TypeLeave            = "leave"
	TypeHeartbeat        = "heartbeat"
	TypeShowAliveMembers = "show_alive_members"
	TypeSuggest          = "suggest"
)

// 服务端 -> 客户端的消息类型
const (
	TypeWelcome     = "welcome"
	TypeJoined      = "joined"
	TypeOpApplied   = "op_applied"
	TypeOpBroadcast = "op_broadcast"
	TypeMembership  = "membership"
	TypeResync      = "resync"
	TypeError       = "error"
	TypeSuggestion  = "suggestion"
	TypePresence    = "presence"
)

// 队列满时下发的 resync 原因
const ReasonSlowConsumer = "SLOW_CONSUMER"

type ClientMessage struct {
	Type      string      `json:"type"`
	DocID     string      `json:"docId"`
	BaseClock uint64      `json:"baseClock"`
	ClientSeq uint64      `json:"clientSeq"`
	Clock     uint64      `json:"clock"` // ack 使用
	Ops       delta.Delta `json:"ops"`
	// suggest 使用
	RequestID string `json:"requestId,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Text      string `json:"text,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// ServerMessage 是不携带文档内容的通用消息：welcome / error / resync / presence 等
type ServerMessage struct {
	Type      string                 `json:"type"`
	DocID     string                 `json:"docId,omitempty"`
	ClientID  string                 `json:"clientId,omitempty"`
	ClientSeq uint64                 `json:"clientSeq,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Members   []cache.PresenceMember `json:"members,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

// JoinedMessage 只发给加入者，之后的 op_broadcast 都基于这里的 clock
type JoinedMessage struct {
	Type    string      `json:"type"`
	DocID   string      `json:"docId"`
	Clock   uint64      `json:"clock"`
	Content delta.Delta `json:"content"`
	Text    string      `json:"text"`
}

// OpAppliedMessage 是给提交者的确认，ops 为服务端 rebase 后实际应用的版本
type OpAppliedMessage struct {
	Type      string      `json:"type"`
	DocID     string      `json:"docId"`
	Clock     uint64      `json:"clock"`
	BaseClock uint64      `json:"baseClock"`
	ClientSeq uint64      `json:"clientSeq"`
	Ops       delta.Delta `json:"ops"`
}

// 广播给同文档房间内其他连接的"已应用操作"事件（包括同用户的其他标签页）
type OpBroadcastMessage struct {
	Type      string      `json:"type"`
	DocID     string      `json:"docId"`
	Clock     uint64      `json:"clock"`
	AuthorID  uint64      `json:"authorId"`
	ClientID  string      `json:"clientId"`
	ClientSeq uint64      `json:"clientSeq,omitempty"`
	Ops       delta.Delta `json:"ops"`
	AppliedAt time.Time   `json:"appliedAt"`
}

type MembershipMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId"`
	Kind     string `json:"kind"`
	ClientID string `json:"clientId"`
	AuthorID uint64 `json:"authorId,omitempty"`
}

type SuggestionMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m JoinedMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m MembershipMessage) MessageType() string  { return m.Type }
func (m SuggestionMessage) MessageType() string  { return m.Type }
