package oplog

import (
	"context"
	"errors"

	"docsync/backend/internal/ot"
)

var (
	ErrLogIntegrity = errors.New("LOG_INTEGRITY")
	ErrCompacted    = errors.New("LOG_COMPACTED")
)

// Log 是按文档划分的只追加操作日志。
// 每个文档的条目 clock 严格连续：保留区间为 (Floor, Last]。
type Log interface {
	// Append 要求 op.Clock == Last+1
	Append(ctx context.Context, op ot.Operation) error
	// Tail 返回 clock > since 的全部条目（按 clock 递增、无空洞）。
	// since < Floor 时返回 ErrCompacted。
	Tail(ctx context.Context, docID string, since uint64) ([]ot.Operation, error)
	// CompactBefore 丢弃 clock < clock 的条目，并把 Floor 提升到 clock-1。
	// 若 Last 落后于 clock-1（例如从快照恢复时日志为空），Last 一并对齐。
	CompactBefore(ctx context.Context, docID string, clock uint64) error
	Floor(ctx context.Context, docID string) (uint64, error)
	Last(ctx context.Context, docID string) (uint64, error)
}
