package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxViewerIDLen 用户标识的最大字节数
const MaxViewerIDLen = 128

// Message 两方会话中的一条消息
// 创建后不可变，唯一例外是 ReadAt 的一次性设置
type Message struct {
	ID          int64      `json:"id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ClientToken string     `json:"client_token,omitempty"`
}

// Pair 返回消息所属的会话对
func (m *Message) Pair() PairKey {
	return NewPairKey(m.SenderID, m.RecipientID)
}

// Counterpart 返回 viewer 视角下的对方
func (m *Message) Counterpart(viewerID string) string {
	if m.SenderID == viewerID {
		return m.RecipientID
	}
	return m.SenderID
}

// IsUnreadFor 判断消息对 viewer 是否未读
func (m *Message) IsUnreadFor(viewerID string) bool {
	return m.RecipientID == viewerID && m.ReadAt == nil
}

// Cursor 返回以该消息为下界的游标
func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Before 按 (created_at, id) 比较两条消息
func (m *Message) Before(other *Message) bool {
	return m.Cursor().Less(other.Cursor())
}

// PairKey 无序会话对 {a, b}，A <= B
type PairKey struct {
	A string
	B string
}

// NewPairKey 构造无序会话对
func NewPairKey(x, y string) PairKey {
	if x <= y {
		return PairKey{A: x, B: y}
	}
	return PairKey{A: y, B: x}
}

// String 会话对的规范字符串形式
func (p PairKey) String() string {
	return p.A + "|" + p.B
}

// Has 判断 id 是否为会话对的一方
func (p PairKey) Has(id string) bool {
	return p.A == id || p.B == id
}

// Cursor 消息排序位置 (created_at, id)
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// IsZero 判断游标是否为空（从头开始）
func (c Cursor) IsZero() bool {
	return c.ID == 0 && c.CreatedAt.IsZero()
}

// Less 按 created_at 升序，时间相同按 id 升序
func (c Cursor) Less(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// ValidViewerID 校验用户标识：非空、不含 NUL、不超过最大长度
func ValidViewerID(id string) bool {
	return id != "" && len(id) <= MaxViewerIDLen && !strings.ContainsRune(id, 0) && utf8.ValidString(id)
}

// NormalizeBody 去除首尾空白
func NormalizeBody(body string) string {
	return strings.TrimSpace(body)
}

// Preview 截断到最多 n 个字符
func Preview(body string, n int) string {
	if n <= 0 || utf8.RuneCountInString(body) <= n {
		return body
	}
	runes := []rune(body)
	return string(runes[:n])
}
