package ot

import (
	"time"

	"docsync/backend/internal/ot/delta"
)

// Operation 是一次被服务端接受的编辑，接受后不可变。
// Clock 为会话内逻辑时钟（第 n 个被接受的操作 Clock=n），
// BaseClock 为客户端编辑时所基于的时钟。
type Operation struct {
	ID        string      `json:"id"`
	DocID     string      `json:"docId"`
	ClientID  string      `json:"clientId"`
	ClientSeq uint64      `json:"clientSeq"` // 同一个 clientId 的本地递增序号
	AuthorID  uint64      `json:"authorId"`
	Clock     uint64      `json:"clock"`
	BaseClock uint64      `json:"baseClock"`
	Delta     delta.Delta `json:"ops"`
	AppliedAt time.Time   `json:"appliedAt"`
}

// Concurrent 判断 o 相对于基于 base 的编辑是否为并发操作
func (o Operation) Concurrent(base uint64) bool {
	return o.Clock > base
}
