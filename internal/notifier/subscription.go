package notifier

import (
	"context"
	"sync"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
)

// State 订阅状态
type State int32

const (
	StateConnecting State = iota
	StateLive
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errQueueOverflow = apperrors.ErrDisconnected.WithMessage("subscription queue overflow")
	errClosed        = apperrors.ErrDisconnected.WithMessage("subscription closed")
	errIdle          = apperrors.ErrDisconnected.WithMessage("subscription idle timeout")
	errStreamLost    = apperrors.ErrDisconnected.WithMessage("event stream interrupted, full refresh required")
)

// Subscription 一个已连接的 viewer 会话
// 状态机：Connecting -> Live -> (Disconnected | Closed)，Disconnected 在宽限期内可恢复为 Live
type Subscription struct {
	id       string
	viewerID string
	hub      *Hub

	mu            sync.Mutex
	stream        *stream // 当前接入的事件流，恢复时可能换成新建的流
	state         State
	queue         []model.Event
	limit         int
	notify        chan struct{}
	acked         uint64 // 续传令牌
	lastSent      uint64
	resetRequired bool
	reason        error
	// 空闲与宽限期定时任务各自的版本号，过期任务据此作废
	idleEpoch  uint64
	graceEpoch uint64
}

func newSubscription(id, viewerID string, hub *Hub) *Subscription {
	return &Subscription{
		id:       id,
		viewerID: viewerID,
		hub:      hub,
		state:    StateConnecting,
		notify:   make(chan struct{}, 1),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) ViewerID() string {
	return s.viewerID
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResetRequired 续传令牌超出保留范围，调用方需要全量刷新会话列表
func (s *Subscription) ResetRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetRequired
}

// ResumeToken 已确认的最大序号
func (s *Subscription) ResumeToken() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Pending 待投递事件数
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next 阻塞等待下一个事件
// 订阅不再 Live 时返回 ErrDisconnected
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		s.mu.Lock()
		if s.state == StateDisconnected || s.state == StateClosed {
			err := s.reason
			s.mu.Unlock()
			if err == nil {
				err = errClosed
			}
			return model.Event{}, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = model.Event{}
			s.queue = s.queue[1:]
			s.lastSent = ev.Sequence
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Ack 确认序号，超出已投递范围的部分被截断
func (s *Subscription) Ack(seq uint64) {
	s.mu.Lock()
	if seq > s.lastSent {
		seq = s.lastSent
	}
	if seq > s.acked {
		s.acked = seq
	}
	s.mu.Unlock()

	s.hub.scheduleIdle(s)
}

// Touch 记录客户端活动（心跳），刷新空闲超时
func (s *Subscription) Touch() {
	s.hub.scheduleIdle(s)
}

// Disconnect 传输断开，进入宽限期
func (s *Subscription) Disconnect() {
	s.hub.disconnect(s, errClosed)
}

// Close 主动关闭
func (s *Subscription) Close() {
	s.hub.close(s, errClosed)
}

func (s *Subscription) setStream(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = st
}

func (s *Subscription) currentStream() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// claim 抢占一个 Disconnected 订阅用于恢复，同一时刻只有一个连接能成功
func (s *Subscription) claim(viewerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewerID != viewerID || s.state != StateDisconnected {
		return false
	}
	s.state = StateConnecting
	s.graceEpoch++
	return true
}

// attach 进入 Live 状态并装入回放事件，调用方持有 stream.mu
func (s *Subscription) attach(token uint64, replay []model.Event, reset bool, queueSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateLive
	s.queue = replay
	s.limit = queueSize + len(replay)
	s.acked = token
	s.lastSent = token
	s.resetRequired = reset
	s.reason = nil
	s.idleEpoch++
	s.signal()
}

// enqueue 投递实时事件，调用方持有 stream.mu
// 队列已满时订阅立即转为 Disconnected 并返回 false，之后的事件不会越过缺口送达
func (s *Subscription) enqueue(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive {
		return true
	}
	if len(s.queue) >= s.limit {
		s.state = StateDisconnected
		s.queue = nil
		s.reason = errQueueOverflow
		s.signal()
		return false
	}
	s.queue = append(s.queue, ev)
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// armIdle 仅在 Live 时刷新空闲版本号，状态检查与版本递增在同一把锁内
func (s *Subscription) armIdle() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive {
		return 0, false
	}
	s.idleEpoch++
	return s.idleEpoch, true
}

// armGrace 仅在 Disconnected 时刷新宽限期版本号
func (s *Subscription) armGrace() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return 0, false
	}
	s.graceEpoch++
	return s.graceEpoch, true
}

// transition 切换状态，返回切换前的状态；Closed 为终态
func (s *Subscription) transition(to State, reason error) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	if from == StateClosed {
		return from
	}
	s.state = to
	s.queue = nil
	// 保留首个断开原因（如队列溢出）
	if reason != nil && (s.reason == nil || to == StateClosed) {
		s.reason = reason
	}
	s.signal()
	return from
}

// expireIdle 空闲任务到期：版本号匹配且仍 Live 时关闭
func (s *Subscription) expireIdle(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleEpoch != epoch || s.state != StateLive {
		return false
	}
	s.closeLocked(errIdle)
	return true
}

// expireGrace 宽限期到期：版本号匹配且仍 Disconnected 时关闭
func (s *Subscription) expireGrace(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceEpoch != epoch || s.state != StateDisconnected {
		return false
	}
	s.closeLocked(errClosed)
	return true
}

func (s *Subscription) closeLocked(reason error) {
	s.state = StateClosed
	s.queue = nil
	s.reason = reason
	s.signal()
}
