package collab

import (
	"context"
	"time"

	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
)

type MembershipKind string

const (
	MemberJoined MembershipKind = "joined"
	MemberLeft   MembershipKind = "left"
)

type MembershipEvent struct {
	Kind     MembershipKind
	ClientID string
	AuthorID uint64
	At       time.Time
	// 仅 joined 事件携带：加入者看到的权威内容与 clock
	Content delta.Delta
	Text    string
	Clock   uint64
}

// Broadcaster 由协调器在会话锁内调用，实现必须非阻塞。
// 在锁内投递保证了每个成员看到的消息顺序与 clock 顺序一致。
type Broadcaster interface {
	// Publish 把已接受的操作推给 excludeClientID 以外的成员；
	// excludeClientID 只收到带 clock 的确认，不会再收到操作本身。
	Publish(ctx context.Context, docID string, op ot.Operation, excludeClientID string)
	NotifyMembership(ctx context.Context, docID string, ev MembershipEvent)
	// ForceResync 通知全部成员丢弃本地状态并重新 join
	ForceResync(ctx context.Context, docID string, reason string)
}

// Fanout 把同一事件依次交给多个 Broadcaster
type Fanout []Broadcaster

func (f Fanout) Publish(ctx context.Context, docID string, op ot.Operation, excludeClientID string) {
	for _, b := range f {
		b.Publish(ctx, docID, op, excludeClientID)
	}
}

func (f Fanout) NotifyMembership(ctx context.Context, docID string, ev MembershipEvent) {
	for _, b := range f {
		b.NotifyMembership(ctx, docID, ev)
	}
}

func (f Fanout) ForceResync(ctx context.Context, docID string, reason string) {
	for _, b := range f {
		b.ForceResync(ctx, docID, reason)
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, string, ot.Operation, string)     {}
func (nopBroadcaster) NotifyMembership(context.Context, string, MembershipEvent) {}
func (nopBroadcaster) ForceResync(context.Context, string, string)               {}
