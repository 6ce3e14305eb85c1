package collab

import (
	"sync"
	"sync/atomic"
	"time"
)

// Member 是会话内的一个客户端连接
type Member struct {
	ClientID     string
	AuthorID     uint64
	JoinedAt     time.Time
	LastAckClock uint64
}

// session 是一个文档的实时状态，协调器是它唯一的写者。
// 锁顺序：session.mu 在外，Coordinator.mu 在内。
type session struct {
	docID string

	mu      sync.RWMutex
	buf     Buffer
	clock   uint64 // 最后一个被接受的操作的 clock
	floor   uint64 // 日志压缩下限，baseClock < floor 的提交视为过期
	members map[string]*Member
	// 每个 clientId 最后接受的 clientSeq，离开后保留到会话销毁
	lastSeq  map[string]uint64
	teardown *time.Timer
	closed   bool
	// 会话从 map 中移除后关闭，等待中的 join 据此重试
	done chan struct{}

	// 同一文档的快照串行执行
	snapMu       sync.Mutex
	lastSnapshot atomic.Uint64
}

func newSession(docID string, r Restored) *session {
	s := &session{
		docID:   docID,
		buf:     NewPieceTableFromDelta(r.Content),
		clock:   r.Clock,
		floor:   r.Floor,
		members: make(map[string]*Member),
		lastSeq: make(map[string]uint64),
		done:    make(chan struct{}),
	}
	s.lastSnapshot.Store(r.SnapshotClock)
	return s
}

// view 读取当前内容，调用方需持有读锁或写锁
func (s *session) view() JoinResult {
	return JoinResult{
		DocID:   s.docID,
		Content: s.buf.Delta(),
		Text:    s.buf.String(),
		Clock:   s.clock,
	}
}
