package model

import (
	"sort"
	"time"
)

// ConversationSummary 某个 viewer 视角下与 counterpart 的会话摘要
// 由消息存储派生，可随时重新计算
type ConversationSummary struct {
	ViewerID           string    `json:"viewer_id"`
	CounterpartID      string    `json:"counterpart_id"`
	LastMessageID      int64     `json:"last_message_id"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	LastSenderID       string    `json:"last_sender_id"`
	UnreadCount        int       `json:"unread_count"`
}

// ApplyLastMessage 用最新消息刷新摘要的 last_message_* 字段
// 只前进不后退：较旧的消息不会覆盖较新的摘要
func (s *ConversationSummary) ApplyLastMessage(m *Message, previewRunes int) {
	if s.LastMessageID != 0 {
		current := Cursor{CreatedAt: s.LastMessageAt, ID: s.LastMessageID}
		if !current.Less(m.Cursor()) {
			return
		}
	}
	s.LastMessageID = m.ID
	s.LastMessagePreview = Preview(m.Body, previewRunes)
	s.LastMessageAt = m.CreatedAt
	s.LastSenderID = m.SenderID
}

// SortSummaries 按 last_message_at 倒序排序，时间相同按 last_message_id 倒序
func SortSummaries(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].LastMessageAt.Equal(list[j].LastMessageAt) {
			return list[i].LastMessageAt.After(list[j].LastMessageAt)
		}
		return list[i].LastMessageID > list[j].LastMessageID
	})
}
