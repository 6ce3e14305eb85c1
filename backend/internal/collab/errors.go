package collab

import (
	"errors"

	"docsync/backend/internal/oplog"
	"docsync/backend/internal/ot"
)

var (
	// 客户端基于的 clock 早于压缩下限，需要重新 join
	ErrStaleOperation = errors.New("STALE_OPERATION")
	// 结构非法或变换后越界，拒绝且不广播
	ErrMalformedOperation = ot.ErrMalformedOperation
	// 同一 clientId 的 clientSeq 没有递增
	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")
	ErrNotJoined          = errors.New("NOT_JOINED")
	// 会话致命错误，成员会收到 resync
	ErrLogIntegrity = oplog.ErrLogIntegrity
	// 冷启动恢复失败，交给运维处理，不对外提供残缺内容
	ErrRecovery      = errors.New("RECOVERY_FAILED")
	ErrSessionClosed = errors.New("SESSION_CLOSED")
)

// ErrorCode 把错误映射成协议里的错误码
func ErrorCode(err error) string {
	for _, e := range []error{
		ErrStaleOperation,
		ErrMalformedOperation,
		ErrDuplicateOperation,
		ErrNotJoined,
		ErrLogIntegrity,
		ErrRecovery,
		ErrSessionClosed,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "INTERNAL"
}
