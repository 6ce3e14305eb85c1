package oplog

import (
	"context"
	"fmt"
	"sync"

	"docsync/backend/internal/ot"
)

type memDoc struct {
	floor uint64
	last  uint64
	ops   []ot.Operation // clock 依次为 floor+1 .. last
}

// MemoryLog 单进程内存实现，进程退出即丢失
type MemoryLog struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string]*memDoc)}
}

func (l *MemoryLog) doc(docID string) *memDoc {
	d, ok := l.docs[docID]
	if !ok {
		d = &memDoc{}
		l.docs[docID] = d
	}
	return d
}

func (l *MemoryLog) Append(ctx context.Context, op ot.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.doc(op.DocID)
	if op.Clock != d.last+1 {
		return fmt.Errorf("%w: doc %s append clock %d after %d", ErrLogIntegrity, op.DocID, op.Clock, d.last)
	}
	d.ops = append(d.ops, op)
	d.last = op.Clock
	return nil
}

func (l *MemoryLog) Tail(ctx context.Context, docID string, since uint64) ([]ot.Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.docs[docID]
	if !ok {
		return nil, nil
	}
	if since < d.floor {
		return nil, fmt.Errorf("%w: doc %s since %d below floor %d", ErrCompacted, docID, since, d.floor)
	}
	if since >= d.last {
		return nil, nil
	}
	start := int(since - d.floor)
	if start > len(d.ops) {
		return nil, fmt.Errorf("%w: doc %s holds %d entries above floor %d", ErrLogIntegrity, docID, len(d.ops), d.floor)
	}
	out := make([]ot.Operation, 0, d.last-since)
	out = append(out, d.ops[start:]...)
	if err := checkContiguous(docID, since, d.last, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *MemoryLog) CompactBefore(ctx context.Context, docID string, clock uint64) error {
	if clock == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.doc(docID)
	floor := clock - 1
	if floor <= d.floor {
		return nil
	}
	if floor >= d.last {
		d.ops = nil
		d.last = floor
	} else {
		// 复制一份，避免旧底层数组被 Tail 的调用方长期持有
		d.ops = append([]ot.Operation(nil), d.ops[floor-d.floor:]...)
	}
	d.floor = floor
	return nil
}

func (l *MemoryLog) Floor(ctx context.Context, docID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if d, ok := l.docs[docID]; ok {
		return d.floor, nil
	}
	return 0, nil
}

func (l *MemoryLog) Last(ctx context.Context, docID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if d, ok := l.docs[docID]; ok {
		return d.last, nil
	}
	return 0, nil
}

// checkContiguous 校验 ops 恰好是 since+1 .. last
func checkContiguous(docID string, since, last uint64, ops []ot.Operation) error {
	want := since + 1
	for _, op := range ops {
		if op.Clock != want {
			return fmt.Errorf("%w: doc %s expected clock %d, found %d", ErrLogIntegrity, docID, want, op.Clock)
		}
		want++
	}
	if want != last+1 {
		return fmt.Errorf("%w: doc %s tail ends at %d, log ends at %d", ErrLogIntegrity, docID, want-1, last)
	}
	return nil
}
