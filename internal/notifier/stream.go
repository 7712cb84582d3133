package notifier

import (
	"sync"
	"time"

	"sudooom.im.inbox/internal/model"
)

type retained struct {
	event model.Event
	at    time.Time
}

// stream 单个 viewer 的事件流：保留缓冲与在线订阅
// 序号分配、入缓冲、分发给订阅在同一把锁内完成，保证所有订阅看到相同顺序
type stream struct {
	mu       sync.Mutex
	viewerID string
	buf      []retained
	head     uint64 // 最近一个事件的序号
	floor    uint64 // 已被淘汰的最大序号，续传令牌必须 >= floor
	lost     bool   // 序号分配失败后缓冲不再连续
	evicted  bool   // 已从 Hub 移除，持有旧指针的调用方需要重新获取
	subs     map[string]*Subscription
}

func newStream(viewerID string) *stream {
	return &stream{
		viewerID: viewerID,
		subs:     make(map[string]*Subscription),
	}
}

// appendLocked 追加事件并按数量与时间淘汰
func (s *stream) appendLocked(ev model.Event, now time.Time, maxEvents int, window time.Duration) {
	switch {
	case s.lost:
		// 中断期间丢失的事件没有序号，只有看到本事件之后的令牌才可续传
		s.floor = ev.Sequence
		s.lost = false
	case s.head == 0 && s.floor == 0:
		// 首个事件之前的序号不可续传
		s.floor = ev.Sequence - 1
	}
	s.buf = append(s.buf, retained{event: ev, at: now})
	s.head = ev.Sequence
	s.trimLocked(now, maxEvents, window)
}

func (s *stream) trimLocked(now time.Time, maxEvents int, window time.Duration) {
	drop := 0
	for drop < len(s.buf) {
		tooMany := maxEvents > 0 && len(s.buf)-drop > maxEvents
		tooOld := window > 0 && now.Sub(s.buf[drop].at) > window
		if !tooMany && !tooOld {
			break
		}
		s.floor = s.buf[drop].event.Sequence
		drop++
	}
	if drop > 0 {
		s.buf = append(s.buf[:0:0], s.buf[drop:]...)
	}
}

// replayLocked 返回序号大于 token 的保留事件，token 不在缓冲范围内时 ok=false
func (s *stream) replayLocked(token uint64) ([]model.Event, bool) {
	if s.lost || token < s.floor || token > s.head {
		return nil, false
	}
	out := make([]model.Event, 0)
	for _, r := range s.buf {
		if r.event.Sequence > token {
			out = append(out, r.event)
		}
	}
	return out, true
}

// breakLocked 序号分配失败：清空缓冲，后续续传一律要求重置
func (s *stream) breakLocked() {
	s.buf = nil
	s.lost = true
}
