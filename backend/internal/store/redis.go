package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const keySnapshotFmt = "collab:snapshot:{docID:%s}"

func snapshotKey(docID string) string { return fmt.Sprintf(keySnapshotFmt, docID) }

// RedisStore 用一个 string key 保存整份快照 JSON，SET 本身是原子的
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	b, err := s.rdb.Get(ctx, snapshotKey(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("doc %s: %w", docID, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot of doc %s: %w", docID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot of doc %s is unreadable: %w", docID, err)
	}
	return snap, nil
}

func (s *RedisStore) Store(ctx context.Context, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(snap.DocID), b, 0).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot of doc %s: %w", snap.DocID, err)
	}
	return nil
}
