package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.inbox/internal/model"
)

// Status 时间线条目状态
type Status int

const (
	StatusPending   Status = iota // 乐观显示，等待服务端确认
	StatusConfirmed               // 已持久化
	StatusFailed                  // 发送失败
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry 时间线中的一条消息
// 待确认条目的 Message.ID 为 0，以 Token 标识
type Entry struct {
	Token   string
	Status  Status
	Message model.Message
	Err     error
}

// Timeline viewer 在客户端的消息视图，覆盖与全部联系人的会话
// 乐观发送与服务端回执、实时事件按消息ID合并，同一条消息只出现一次
type Timeline struct {
	mu       sync.Mutex
	viewerID string
	pending  map[string]*Entry // token -> 待确认条目
	byID     map[int64]*Entry  // message id -> 已确认条目
	failed   []*Entry
	lastSeq  uint64
}

// NewTimeline 创建时间线
func NewTimeline(viewerID string) *Timeline {
	return &Timeline{
		viewerID: viewerID,
		pending:  make(map[string]*Entry),
		byID:     make(map[int64]*Entry),
	}
}

// NewToken 生成幂等令牌
func NewToken() string {
	return uuid.NewString()
}

// AddPending 记录一条乐观发送，返回使用的令牌
func (t *Timeline) AddPending(token, recipientID, body string, at time.Time) string {
	if token == "" {
		token = NewToken()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[token]; ok {
		return token
	}
	t.pending[token] = &Entry{
		Token:  token,
		Status: StatusPending,
		Message: model.Message{
			SenderID:    t.viewerID,
			RecipientID: recipientID,
			Body:        body,
			CreatedAt:   at,
			ClientToken: token,
		},
	}
	return token
}

// Confirm 用服务端返回的消息替换乐观条目
// 返回 false 表示该消息已经通过其他路径应用过
func (t *Timeline) Confirm(token string, m model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmLocked(token, m)
}

// Fail 标记乐观条目发送失败
func (t *Timeline) Fail(token string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[token]
	if !ok {
		return
	}
	delete(t.pending, token)
	e.Status = StatusFailed
	e.Err = err
	t.failed = append(t.failed, e)
}

// Apply 应用一条实时事件，返回是否改变了时间线
// 序号不大于已应用序号的事件与已存在的消息ID都是空操作
func (t *Timeline) Apply(ev model.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Sequence != 0 {
		if ev.Sequence <= t.lastSeq {
			return false
		}
		t.lastSeq = ev.Sequence
	}

	switch ev.Kind {
	case model.EventMessageCreated:
		if ev.MessageCreated == nil {
			return false
		}
		m := ev.MessageCreated.Message
		if m.SenderID == t.viewerID && m.ClientToken != "" {
			return t.confirmLocked(m.ClientToken, m)
		}
		return t.insertLocked(m)
	case model.EventConversationRead:
		if ev.ConversationRead == nil {
			return false
		}
		return t.applyReadLocked(*ev.ConversationRead)
	}
	return false
}

// Reset 清空已确认消息与事件序号，用于 reset_required 之后的全量刷新
func (t *Timeline) Reset(messages []model.Message, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[int64]*Entry, len(messages))
	for _, m := range messages {
		if m.SenderID == t.viewerID && m.ClientToken != "" {
			delete(t.pending, m.ClientToken)
		}
		t.byID[m.ID] = &Entry{Token: m.ClientToken, Status: StatusConfirmed, Message: m}
	}
	t.lastSeq = seq
}

// LastSequence 已应用的最大事件序号，可作为续传令牌
func (t *Timeline) LastSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Messages 返回当前视图：已确认消息按 (created_at, id) 升序，待确认与失败条目按本地时间排在之后
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	confirmed := make([]Entry, 0, len(t.byID))
	for _, e := range t.byID {
		confirmed = append(confirmed, *e)
	}
	sort.Slice(confirmed, func(i, j int) bool {
		return confirmed[i].Message.Before(&confirmed[j].Message)
	})

	local := make([]Entry, 0, len(t.pending)+len(t.failed))
	for _, e := range t.pending {
		local = append(local, *e)
	}
	for _, e := range t.failed {
		local = append(local, *e)
	}
	sort.SliceStable(local, func(i, j int) bool {
		return local[i].Message.CreatedAt.Before(local[j].Message.CreatedAt)
	})
	return append(confirmed, local...)
}

// With 返回与 counterpartID 之间的消息，顺序同 Messages
func (t *Timeline) With(counterpartID string) []Entry {
	all := t.Messages()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Message.SenderID == counterpartID || e.Message.RecipientID == counterpartID {
			out = append(out, e)
		}
	}
	return out
}

// Pending 待确认条目数
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Timeline) confirmLocked(token string, m model.Message) bool {
	delete(t.pending, token)
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	t.byID[m.ID] = &Entry{Token: token, Status: StatusConfirmed, Message: m}
	return true
}

func (t *Timeline) insertLocked(m model.Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	t.byID[m.ID] = &Entry{Token: m.ClientToken, Status: StatusConfirmed, Message: m}
	return true
}

// applyReadLocked 将读者收到的、不晚于 UpToMessageID 的消息标记为已读
func (t *Timeline) applyReadLocked(r model.ConversationRead) bool {
	changed := false
	for _, e := range t.byID {
		m := &e.Message
		if m.RecipientID != r.ReaderID || m.SenderID != r.CounterpartID {
			continue
		}
		if m.ReadAt != nil || m.ID > r.UpToMessageID {
			continue
		}
		at := r.ReadAt
		m.ReadAt = &at
		changed = true
	}
	return changed
}
