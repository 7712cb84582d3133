package model

import (
	"strconv"
	"time"
)

// EventKind 推送事件类型
type EventKind string

const (
	EventMessageCreated   EventKind = "message.created"
	EventConversationRead EventKind = "conversation.read"
)

// Event 推送给某个 viewer 的事件
// Sequence 在 viewer 范围内严格递增，同时作为续传令牌
// 每种类型只填充对应的载荷字段
type Event struct {
	ID        string    `json:"id"`
	ViewerID  string    `json:"viewer_id"`
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	MessageCreated   *MessageCreated   `json:"message_created,omitempty"`
	ConversationRead *ConversationRead `json:"conversation_read,omitempty"`
}

// MessageCreated message.created 载荷
type MessageCreated struct {
	Message Message `json:"message"`
}

// ConversationRead conversation.read 载荷，一次批量已读只产生一个事件
type ConversationRead struct {
	ReaderID      string    `json:"reader_id"`
	CounterpartID string    `json:"counterpart_id"`
	Count         int       `json:"count"`
	ReadAt        time.Time `json:"read_at"`
	UpToMessageID int64     `json:"up_to_message_id"`
}

// EventID 构造事件ID，消费方按此去重
func EventID(viewerID string, seq uint64) string {
	return viewerID + ":" + strconv.FormatUint(seq, 10)
}

// NewMessageCreated 构造未编号的 message.created 事件
func NewMessageCreated(m Message) Event {
	return Event{
		Kind:           EventMessageCreated,
		CreatedAt:      m.CreatedAt,
		MessageCreated: &MessageCreated{Message: m},
	}
}

// NewConversationRead 构造未编号的 conversation.read 事件
func NewConversationRead(r ConversationRead) Event {
	return Event{
		Kind:             EventConversationRead,
		CreatedAt:        r.ReadAt,
		ConversationRead: &r,
	}
}
