package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.inbox/internal/metrics"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/task"
)

// Config 通知器参数
type Config struct {
	RetentionEvents int           // 每个 viewer 保留的事件数
	RetentionWindow time.Duration // 事件保留时长
	QueueSize       int           // 每个订阅的待投递队列长度
	GracePeriod     time.Duration // 断开后可恢复的时长
	IdleTimeout     time.Duration // 无确认活动的最长时长
}

// Scheduler 延迟任务调度
type Scheduler interface {
	AddTask(t *task.Task) error
	RemoveTask(taskID string) bool
}

// Sink 事件旁路输出，失败只记录日志
// Deliver 在 viewer 事件流锁内按序号顺序调用，实现不应阻塞
type Sink interface {
	Deliver(ctx context.Context, ev model.Event) error
}

// SubscribeOptions 订阅参数
type SubscribeOptions struct {
	// SubscriptionID 宽限期内恢复已断开的订阅
	SubscriptionID string
	// ResumeToken 从该序号之后回放，nil 表示只接收新事件
	ResumeToken *uint64
}

// Hub 实时通知器
type Hub struct {
	cfg     Config
	seq     Sequencer
	sched   Scheduler
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sinkMu sync.RWMutex
	sink   Sink

	mu       sync.Mutex
	streams  map[string]*stream
	subs     map[string]*Subscription
	closed   bool
	sweeping bool
}

// NewHub 创建通知器，sched 为 nil 时不做宽限期与空闲超时回收
func NewHub(cfg Config, seq Sequencer, sched Scheduler, m *metrics.Metrics) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Hub{
		cfg:     cfg,
		seq:     seq,
		sched:   sched,
		metrics: m,
		logger:  slog.Default(),
		now:     time.Now,
		streams: make(map[string]*stream),
		subs:    make(map[string]*Subscription),
	}
}

// SetSink 设置事件旁路输出
func (h *Hub) SetSink(sink Sink) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.sink = sink
}

// SetClock 替换时钟
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

func (h *Hub) streamFor(viewerID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[viewerID]
	if !ok {
		st = newStream(viewerID)
		h.streams[viewerID] = st
		h.scheduleSweepLocked()
	}
	return st
}

// lockStream 返回已加锁的事件流；被回收的流不再使用
func (h *Hub) lockStream(viewerID string) *stream {
	for {
		st := h.streamFor(viewerID)
		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// Publish 为事件分配序号、写入保留缓冲并分发给 viewer 的在线订阅
// 慢订阅不会阻塞发布方：队列满的订阅被断开
func (h *Hub) Publish(ctx context.Context, viewerID string, ev model.Event) (model.Event, error) {
	st := h.lockStream(viewerID)

	seq, err := h.seq.Next(ctx, viewerID)
	if err != nil {
		st.breakLocked()
		victims := make([]*Subscription, 0, len(st.subs))
		for _, sub := range st.subs {
			victims = append(victims, sub)
		}
		st.mu.Unlock()

		h.logger.Error("Allocate event sequence failed", "viewerId", viewerID, "error", err)
		for _, sub := range victims {
			h.disconnect(sub, errStreamLost)
		}
		return ev, err
	}

	ev.ViewerID = viewerID
	ev.Sequence = seq
	ev.ID = model.EventID(viewerID, seq)
	st.appendLocked(ev, h.now(), h.cfg.RetentionEvents, h.cfg.RetentionWindow)

	var overflowed []*Subscription
	for _, sub := range st.subs {
		if !sub.enqueue(ev) {
			overflowed = append(overflowed, sub)
		}
	}

	// 旁路输出与订阅分发共用同一把锁，保持序号顺序
	h.sinkMu.RLock()
	sink := h.sink
	h.sinkMu.RUnlock()
	if sink != nil {
		if err := sink.Deliver(ctx, ev); err != nil {
			h.logger.Warn("Deliver event to sink failed", "eventId", ev.ID, "error", err)
		}
	}
	st.mu.Unlock()

	h.metrics.IncEvent(string(ev.Kind))
	for _, sub := range overflowed {
		h.metrics.IncOverflow()
		h.logger.Warn("Subscription queue overflow", "viewerId", viewerID, "subscriptionId", sub.id)
		h.disconnect(sub, errQueueOverflow)
	}
	return ev, nil
}

// Subscribe 建立或恢复订阅
// 带续传令牌时回放保留缓冲中序号更大的事件；令牌超出保留范围时订阅标记为 ResetRequired
func (h *Hub) Subscribe(ctx context.Context, viewerID string, opts SubscribeOptions) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errClosed
	}
	var sub *Subscription
	resumed := false
	if opts.SubscriptionID != "" {
		if existing, ok := h.subs[opts.SubscriptionID]; ok && existing.claim(viewerID) {
			sub = existing
			resumed = true
		}
	}
	if sub == nil {
		sub = newSubscription(uuid.NewString(), viewerID, h)
		h.subs[sub.id] = sub
		h.metrics.SubscriberOpened()
	}
	h.mu.Unlock()

	if resumed && h.sched != nil {
		h.sched.RemoveTask(graceTaskID(sub.id))
	}

	st := h.lockStream(viewerID)
	sub.setStream(st)
	st.trimLocked(h.now(), h.cfg.RetentionEvents, h.cfg.RetentionWindow)

	hasToken := opts.ResumeToken != nil || resumed
	token := st.head
	switch {
	case opts.ResumeToken != nil:
		token = *opts.ResumeToken
	case resumed:
		token = sub.ResumeToken()
	}

	var replay []model.Event
	reset := false
	if hasToken {
		var ok bool
		if replay, ok = st.replayLocked(token); !ok {
			reset = true
			token = st.head
			h.metrics.IncResetRequired()
		}
	}
	sub.attach(token, replay, reset, h.cfg.QueueSize)
	st.subs[sub.id] = sub
	st.mu.Unlock()

	h.scheduleIdle(sub)

	h.logger.Debug("Subscription live",
		"viewerId", viewerID,
		"subscriptionId", sub.id,
		"resumed", resumed,
		"replayed", len(replay),
		"resetRequired", reset)
	return sub, nil
}

// Disconnect 按订阅ID断开
func (h *Hub) Disconnect(subscriptionID string) {
	h.mu.Lock()
	sub, ok := h.subs[subscriptionID]
	h.mu.Unlock()
	if ok {
		h.disconnect(sub, errClosed)
	}
}

// Count 当前未关闭的订阅数
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close 关闭所有订阅，之后不再接受新订阅
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.close(sub, errClosed)
	}
}

// detach 从事件流移除订阅；已被重新接入的订阅保持不变
func (h *Hub) detach(sub *Subscription) {
	st := sub.currentStream()
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.subs[sub.id] == sub && sub.State() != StateLive {
		delete(st.subs, sub.id)
	}
	st.mu.Unlock()
}

func (h *Hub) disconnect(sub *Subscription, reason error) {
	if from := sub.transition(StateDisconnected, reason); from == StateClosed {
		return
	}
	h.detach(sub)

	if h.sched == nil {
		return
	}
	h.sched.RemoveTask(idleTaskID(sub.id))
	epoch, ok := sub.armGrace()
	if !ok {
		// 已被恢复或关闭
		return
	}
	err := h.sched.AddTask(task.NewTask(graceTaskID(sub.id), sub.id, h.cfg.GracePeriod, func(ctx context.Context, target string) error {
		if sub.expireGrace(epoch) {
			h.finalize(sub)
		}
		return nil
	}))
	if err != nil {
		h.logger.Warn("Schedule grace expiry failed, closing now", "subscriptionId", sub.id, "error", err)
		h.close(sub, errClosed)
	}
}

func (h *Hub) close(sub *Subscription, reason error) {
	if from := sub.transition(StateClosed, reason); from == StateClosed {
		return
	}
	h.finalize(sub)
}

// finalize 回收已关闭的订阅
func (h *Hub) finalize(sub *Subscription) {
	h.detach(sub)

	h.mu.Lock()
	removed := false
	if h.subs[sub.id] == sub {
		delete(h.subs, sub.id)
		removed = true
	}
	h.mu.Unlock()

	if h.sched != nil {
		h.sched.RemoveTask(idleTaskID(sub.id))
		h.sched.RemoveTask(graceTaskID(sub.id))
	}
	if removed {
		h.metrics.SubscriberClosed()
		h.logger.Debug("Subscription closed", "viewerId", sub.viewerID, "subscriptionId", sub.id)
	}
	h.evictIdle(sub.viewerID)
}

func (h *Hub) scheduleIdle(sub *Subscription) {
	if h.sched == nil || h.cfg.IdleTimeout <= 0 {
		return
	}
	epoch, ok := sub.armIdle()
	if !ok {
		return
	}
	err := h.sched.AddTask(task.NewTask(idleTaskID(sub.id), sub.id, h.cfg.IdleTimeout, func(ctx context.Context, target string) error {
		if sub.expireIdle(epoch) {
			h.finalize(sub)
		}
		return nil
	}))
	if err != nil {
		h.logger.Warn("Schedule idle timeout failed", "subscriptionId", sub.id, "error", err)
	}
}

// evictIdle 回收没有订阅且保留缓冲已过期的事件流
// 之后使用旧续传令牌恢复会得到 reset_required
func (h *Hub) evictIdle(viewerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[viewerID]
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trimLocked(h.now(), h.cfg.RetentionEvents, h.cfg.RetentionWindow)
	if len(st.subs) > 0 || len(st.buf) > 0 {
		return false
	}
	st.evicted = true
	delete(h.streams, viewerID)
	return true
}

// sweep 检查全部事件流，返回回收数
func (h *Hub) sweep() int {
	h.mu.Lock()
	viewers := make([]string, 0, len(h.streams))
	for viewerID := range h.streams {
		viewers = append(viewers, viewerID)
	}
	h.mu.Unlock()

	n := 0
	for _, viewerID := range viewers {
		if h.evictIdle(viewerID) {
			n++
		}
	}
	return n
}

// scheduleSweepLocked 按保留时长周期回收事件流，调用方持有 h.mu
func (h *Hub) scheduleSweepLocked() {
	if h.sched == nil || h.cfg.RetentionWindow <= 0 || h.sweeping || h.closed {
		return
	}
	err := h.sched.AddTask(task.NewTask(sweepTaskID, "streams", h.cfg.RetentionWindow, func(ctx context.Context, target string) error {
		if n := h.sweep(); n > 0 {
			h.logger.Debug("Idle event streams evicted", "count", n)
		}
		h.mu.Lock()
		h.sweeping = false
		if len(h.streams) > 0 {
			h.scheduleSweepLocked()
		}
		h.mu.Unlock()
		return nil
	}))
	if err != nil {
		h.logger.Warn("Schedule stream sweep failed", "error", err)
		return
	}
	h.sweeping = true
}

const sweepTaskID = "sweep:streams"

func idleTaskID(subscriptionID string) string {
	return "idle:" + subscriptionID
}

func graceTaskID(subscriptionID string) string {
	return "grace:" + subscriptionID
}
