package cache

import "fmt"

// 键语义：
// - roomKey(docID):  房间在线成员（ZSet<clientId, expireAtUnix>，score=expireAt）
// - namesKey(docID): 房间内 clientId→成员信息 JSON（Hash）
// hash tag {docID:...} 保证集群模式下同一文档的键落在同一个 slot，lua 脚本才能同时操作

const (
	keyRoomFmt  = "presence:room:{docID:%s}"       // ZSet<clientId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{docID:%s}" // Hash<clientId -> member json>
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
