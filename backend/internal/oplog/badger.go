package oplog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"docsync/backend/internal/ot"
)

// 键布局：
// - oplog/meta/<docID>                    -> {"floor":..,"last":..}
// - oplog/entry/<docID>\x00<clock 8字节大端> -> Operation JSON
// 大端编码保证同一文档的条目按 clock 有序迭代
const (
	metaPrefix  = "oplog/meta/"
	entryPrefix = "oplog/entry/"
)

type logMeta struct {
	Floor uint64 `json:"floor"`
	Last  uint64 `json:"last"`
}

// BadgerLog 持久化实现。db 的生命周期由调用方管理。
type BadgerLog struct {
	db *badger.DB
}

func NewBadgerLog(db *badger.DB) *BadgerLog {
	return &BadgerLog{db: db}
}

func metaKey(docID string) []byte {
	return []byte(metaPrefix + docID)
}

func docEntryPrefix(docID string) []byte {
	return []byte(entryPrefix + docID + "\x00")
}

func entryKey(docID string, clock uint64) []byte {
	p := docEntryPrefix(docID)
	k := make([]byte, len(p)+8)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], clock)
	return k
}

func clockFromKey(prefix, key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefix):])
}

func readMeta(txn *badger.Txn, docID string) (logMeta, error) {
	var m logMeta
	item, err := txn.Get(metaKey(docID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return m, fmt.Errorf("%w: doc %s unreadable meta: %w", ErrLogIntegrity, docID, err)
	}
	return m, nil
}

func writeMeta(txn *badger.Txn, docID string, m logMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(docID), b)
}

func (l *BadgerLog) Append(ctx context.Context, op ot.Operation) error {
	value, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		m, err := readMeta(txn, op.DocID)
		if err != nil {
			return err
		}
		if op.Clock != m.Last+1 {
			return fmt.Errorf("%w: doc %s append clock %d after %d", ErrLogIntegrity, op.DocID, op.Clock, m.Last)
		}
		if err := txn.Set(entryKey(op.DocID, op.Clock), value); err != nil {
			return err
		}
		m.Last = op.Clock
		return writeMeta(txn, op.DocID, m)
	})
}

func (l *BadgerLog) Tail(ctx context.Context, docID string, since uint64) ([]ot.Operation, error) {
	var out []ot.Operation
	err := l.db.View(func(txn *badger.Txn) error {
		m, err := readMeta(txn, docID)
		if err != nil {
			return err
		}
		if since < m.Floor {
			return fmt.Errorf("%w: doc %s since %d below floor %d", ErrCompacted, docID, since, m.Floor)
		}
		if since >= m.Last {
			return nil
		}

		prefix := docEntryPrefix(docID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(docID, since+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			clock := clockFromKey(prefix, item.Key())
			if clock > m.Last {
				break
			}
			var op ot.Operation
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			})
			if err != nil {
				return fmt.Errorf("%w: doc %s clock %d unreadable: %w", ErrLogIntegrity, docID, clock, err)
			}
			if op.Clock != clock {
				return fmt.Errorf("%w: doc %s key clock %d holds op clock %d", ErrLogIntegrity, docID, clock, op.Clock)
			}
			out = append(out, op)
		}
		return checkContiguous(docID, since, m.Last, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *BadgerLog) CompactBefore(ctx context.Context, docID string, clock uint64) error {
	if clock == 0 {
		return nil
	}
	floor := clock - 1
	var stale [][]byte
	err := l.db.Update(func(txn *badger.Txn) error {
		m, err := readMeta(txn, docID)
		if err != nil {
			return err
		}
		if floor <= m.Floor {
			return nil
		}
		m.Floor = floor
		if m.Last < floor {
			m.Last = floor
		}
		if err := writeMeta(txn, docID, m); err != nil {
			return err
		}

		prefix := docEntryPrefix(docID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if clockFromKey(prefix, it.Item().Key()) > floor {
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	// floor 已提交，低于 floor 的条目不会再被读到，删除失败只留下垃圾
	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete compacted entry: %w", err)
		}
	}
	return wb.Flush()
}

func (l *BadgerLog) Floor(ctx context.Context, docID string) (uint64, error) {
	var m logMeta
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = readMeta(txn, docID)
		return err
	})
	return m.Floor, err
}

func (l *BadgerLog) Last(ctx context.Context, docID string) (uint64, error) {
	var m logMeta
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = readMeta(txn, docID)
		return err
	})
	return m.Last, err
}
