package store

import (
	"context"
	"errors"
	"time"

	"docsync/backend/internal/ot/delta"
)

var ErrSnapshotNotFound = errors.New("SNAPSHOT_NOT_FOUND")

// Snapshot 是文档在某个逻辑时钟上的完整内容，写入后不再修改
type Snapshot struct {
	DocID     string      `json:"docId"`
	Clock     uint64      `json:"clock"`
	Content   delta.Delta `json:"content"` // 只含 insert 的 delta
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SnapshotStore 持久化协作者：Load 总是返回最近一次 Store 写入的快照
type SnapshotStore interface {
	Load(ctx context.Context, docID string) (Snapshot, error)
	Store(ctx context.Context, snap Snapshot) error
}
