package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPresenceLifecycle(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	docID := "presence-test-" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, roomKey(docID), namesKey(docID))

	p := NewRedisPresence(rdb)
	require.NoError(t, p.AddMember(ctx, docID, PresenceMember{ClientID: "c1", UserID: 1, Username: "alice"}, time.Minute))
	require.NoError(t, p.AddMember(ctx, docID, PresenceMember{ClientID: "c2", UserID: 2, Username: "bob"}, time.Minute))
	// 已过期的成员会在查询时被清理
	require.NoError(t, p.AddMember(ctx, docID, PresenceMember{ClientID: "c3", UserID: 3}, -time.Minute))

	members, err := p.GetAliveMembers(ctx, docID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{
		{ClientID: "c1", UserID: 1, Username: "alice"},
		{ClientID: "c2", UserID: 2, Username: "bob"},
	}, members)

	exists, err := rdb.HExists(ctx, namesKey(docID), "c3").Result()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.RemoveMember(ctx, docID, "c1"))
	members, err = p.GetAliveMembers(ctx, docID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c2", members[0].ClientID)
}
