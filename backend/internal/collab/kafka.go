package collab

import (
	"time"

	"docsync/backend/internal/ot/delta"
)

const (
	EventOpApplied     = "OP_APPLIED"
	EventMemberJoined  = "MEMBER_JOINED"
	EventMemberLeft    = "MEMBER_LEFT"
	EventSessionResync = "SESSION_RESYNC"
)

// DocEvent 是投递到 Kafka 的文档事件，key 为 docId，保证同一文档在同一分区内有序
type DocEvent struct {
	EventType   string      `json:"eventType"`
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId,omitempty"`
	Clock       uint64      `json:"clock"`
	BaseClock   uint64      `json:"baseClock,omitempty"`
	AuthorID    uint64      `json:"authorId,omitempty"`
	ClientID    string      `json:"clientId,omitempty"`
	ClientSeq   uint64      `json:"clientSeq,omitempty"` // 针对同一个 clientId 的“本地递增序号”
	Ops         delta.Delta `json:"ops,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	At          time.Time   `json:"at"`
}
