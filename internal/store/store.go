package store

import (
	"context"
	"time"

	"sudooom.im.inbox/internal/model"
)

// Store 消息存储，消息内容与已读状态的唯一事实来源
//
// 实现需要保证：
//   - Insert 对 (sender_id, client_token) 幂等，重复提交返回已有消息且 created=false
//   - MarkRead 在一个原子批次内完成
//   - List 按 (created_at, id) 升序返回严格大于 after 的消息
type Store interface {
	// Insert 写入消息，ID 与 CreatedAt 由调用方在持久化时分配
	Insert(ctx context.Context, m model.Message) (stored model.Message, created bool, err error)
	// List 返回会话对中位于 after 之后的消息，limit <= 0 表示不限制
	List(ctx context.Context, pair model.PairKey, after model.Cursor, limit int) ([]model.Message, error)
	// MarkRead 将 sender 发给 recipient 的未读消息全部置为已读
	MarkRead(ctx context.Context, recipientID, senderID string, at time.Time) (ReadResult, error)
	// CountUnread 统计 counterpart 发给 viewer 的未读消息数
	CountUnread(ctx context.Context, viewerID, counterpartID string) (int, error)
	// LastMessage 返回会话对中最新的一条消息
	LastMessage(ctx context.Context, pair model.PairKey) (model.Message, bool, error)
	// Counterparts 返回与 viewer 有过消息往来的所有对方
	Counterparts(ctx context.Context, viewerID string) ([]string, error)
	// Ping 检查存储是否可用
	Ping(ctx context.Context) error
	Close() error
}

// ReadResult 批量已读结果
type ReadResult struct {
	Count         int   // 本次状态发生变化的消息数
	UpToMessageID int64 // 本批次中最新一条消息的 ID
}

// normalize 统一时间精度为毫秒 UTC，保证各后端排序一致
func normalize(m model.Message) model.Message {
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	if m.ReadAt != nil {
		t := m.ReadAt.UTC().Truncate(time.Millisecond)
		m.ReadAt = &t
	}
	return m
}

// clone 复制消息，避免调用方共享 ReadAt 指针
func clone(m *model.Message) model.Message {
	out := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return out
}
