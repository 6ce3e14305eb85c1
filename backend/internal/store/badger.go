package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const snapshotPrefix = "snapshot/"

// OpenBadger 打开（或创建）path 下的 Badger 库，并在后台定期做 value log GC
func OpenBadger(ctx context.Context, path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	go runBadgerGC(ctx, db)
	return db, nil
}

func runBadgerGC(ctx context.Context, db *badger.DB) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 能回收一半以上空间就一直做下去
			for db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// BadgerStore 每个文档只保留一份快照，Set 在事务内原子替换
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + docID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, fmt.Errorf("doc %s: %w", docID, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot of doc %s: %w", docID, err)
	}
	return snap, nil
}

func (s *BadgerStore) Store(ctx context.Context, snap Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+snap.DocID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot of doc %s: %w", snap.DocID, err)
	}
	return nil
}
