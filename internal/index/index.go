package index

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"sudooom.im.inbox/internal/metrics"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/store"
)

// Locker 会话对锁
type Locker interface {
	Lock(ctx context.Context, pair model.PairKey) (unlock func(), err error)
}

// Index 会话索引
// 摘要只是缓存：缓存缺少完整标记时整体重建，写入失败的条目记为 dirty，下次 List 时从消息存储重算
type Index struct {
	cache        Cache
	store        store.Store
	locks        Locker
	previewRunes int
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu    sync.Mutex
	dirty map[string]map[string]struct{} // viewer -> counterparts

	rebuilds singleflight.Group
}

// New 创建会话索引
func New(cache Cache, st store.Store, locks Locker, previewRunes int, m *metrics.Metrics) *Index {
	return &Index{
		cache:        cache,
		store:        st,
		locks:        locks,
		previewRunes: previewRunes,
		metrics:      m,
		logger:       slog.Default(),
		dirty:        make(map[string]map[string]struct{}),
	}
}

// ApplyMessage 新消息写入后更新双方摘要，调用方需持有会话对锁
func (x *Index) ApplyMessage(ctx context.Context, m model.Message) {
	for _, viewerID := range []string{m.SenderID, m.RecipientID} {
		counterpartID := m.Counterpart(viewerID)
		s, ok := x.load(ctx, viewerID, counterpartID)
		if ok {
			s.ApplyLastMessage(&m, x.previewRunes)
			if m.IsUnreadFor(viewerID) {
				s.UnreadCount++
			}
		} else {
			// 缓存缺失时重算，结果已包含本条消息
			var err error
			if s, _, err = x.Recompute(ctx, viewerID, counterpartID); err != nil {
				x.fail(ctx, viewerID, counterpartID, err)
				continue
			}
		}
		x.save(ctx, s)
	}
}

// ApplyRead 将 viewer 视角下与 counterpart 的未读数清零，调用方需持有会话对锁
// 不影响对方的摘要
func (x *Index) ApplyRead(ctx context.Context, viewerID, counterpartID string) (model.ConversationSummary, error) {
	s, ok := x.load(ctx, viewerID, counterpartID)
	if ok {
		s.UnreadCount = 0
	} else {
		var err error
		if s, _, err = x.Recompute(ctx, viewerID, counterpartID); err != nil {
			x.fail(ctx, viewerID, counterpartID, err)
			return model.ConversationSummary{}, err
		}
	}
	x.save(ctx, s)
	return s, nil
}

// Recompute 从消息存储重新计算单个摘要
func (x *Index) Recompute(ctx context.Context, viewerID, counterpartID string) (model.ConversationSummary, bool, error) {
	x.metrics.IncRebuild()

	s := model.ConversationSummary{ViewerID: viewerID, CounterpartID: counterpartID}
	last, ok, err := x.store.LastMessage(ctx, model.NewPairKey(viewerID, counterpartID))
	if err != nil || !ok {
		return s, false, err
	}
	s.ApplyLastMessage(&last, x.previewRunes)

	if s.UnreadCount, err = x.store.CountUnread(ctx, viewerID, counterpartID); err != nil {
		return s, false, err
	}
	return s, true, nil
}

// List 返回 viewer 的会话列表，按最后消息时间倒序
func (x *Index) List(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	built, err := x.cache.Built(ctx, viewerID)
	if err != nil {
		x.metrics.IncIndexError()
		x.logger.Warn("Conversation cache marker read failed, rebuilding from store", "viewerId", viewerID, "error", err)
		return x.scan(ctx, viewerID)
	}
	if !built {
		// 冷缓存（重启、淘汰、清空）不能视为完整
		_, err, _ := x.rebuilds.Do(viewerID, func() (any, error) {
			return x.Rebuild(ctx, viewerID)
		})
		if err != nil {
			x.metrics.IncIndexError()
			x.logger.Warn("Conversation index rebuild failed, reading from store", "viewerId", viewerID, "error", err)
			return x.scan(ctx, viewerID)
		}
	}
	if !x.heal(ctx, viewerID) {
		return x.scan(ctx, viewerID)
	}

	list, err := x.cache.List(ctx, viewerID)
	if err != nil {
		x.metrics.IncIndexError()
		x.logger.Warn("Conversation cache list failed, rebuilding from store", "viewerId", viewerID, "error", err)
		return x.scan(ctx, viewerID)
	}
	model.SortSummaries(list)
	return list, nil
}

// TotalUnread 汇总 viewer 全部会话的未读数
func (x *Index) TotalUnread(ctx context.Context, viewerID string) (int, error) {
	list, err := x.List(ctx, viewerID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range list {
		total += s.UnreadCount
	}
	return total, nil
}

// Rebuild 丢弃 viewer 的缓存并逐个会话对重算
func (x *Index) Rebuild(ctx context.Context, viewerID string) (int, error) {
	if err := x.cache.Reset(ctx, viewerID); err != nil {
		return 0, err
	}
	counterparts, err := x.store.Counterparts(ctx, viewerID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, counterpartID := range counterparts {
		x.markDirty(viewerID, counterpartID)
		if err := x.healOne(ctx, viewerID, counterpartID); err != nil {
			return n, err
		}
		n++
	}
	if err := x.cache.SetBuilt(ctx, viewerID, true); err != nil {
		return n, err
	}
	return n, nil
}

// heal 重算 viewer 的所有 dirty 摘要，全部成功返回 true
func (x *Index) heal(ctx context.Context, viewerID string) bool {
	x.mu.Lock()
	pending := make([]string, 0, len(x.dirty[viewerID]))
	for counterpartID := range x.dirty[viewerID] {
		pending = append(pending, counterpartID)
	}
	x.mu.Unlock()

	ok := true
	for _, counterpartID := range pending {
		if err := x.healOne(ctx, viewerID, counterpartID); err != nil {
			x.logger.Warn("Heal conversation summary failed", "viewerId", viewerID, "counterpartId", counterpartID, "error", err)
			ok = false
		}
	}
	return ok
}

func (x *Index) healOne(ctx context.Context, viewerID, counterpartID string) error {
	unlock, err := x.locks.Lock(ctx, model.NewPairKey(viewerID, counterpartID))
	if err != nil {
		return err
	}
	defer unlock()

	s, exists, err := x.Recompute(ctx, viewerID, counterpartID)
	if err != nil {
		return err
	}
	if !exists {
		x.clearDirty(viewerID, counterpartID)
		return nil
	}
	if err := x.cache.Put(ctx, s); err != nil {
		x.metrics.IncIndexError()
		return err
	}
	x.clearDirty(viewerID, counterpartID)
	return nil
}

// scan 绕过缓存，直接从消息存储计算完整列表
func (x *Index) scan(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	counterparts, err := x.store.Counterparts(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	list := make([]model.ConversationSummary, 0, len(counterparts))
	for _, counterpartID := range counterparts {
		s, ok, err := x.Recompute(ctx, viewerID, counterpartID)
		if err != nil {
			return nil, err
		}
		if ok {
			list = append(list, s)
		}
	}
	model.SortSummaries(list)
	return list, nil
}

// load 读取缓存中的摘要，dirty 或读取失败时返回 false
func (x *Index) load(ctx context.Context, viewerID, counterpartID string) (model.ConversationSummary, bool) {
	if x.isDirty(viewerID, counterpartID) {
		return model.ConversationSummary{}, false
	}
	s, ok, err := x.cache.Get(ctx, viewerID, counterpartID)
	if err != nil {
		x.metrics.IncIndexError()
		x.logger.Warn("Conversation cache get failed", "viewerId", viewerID, "counterpartId", counterpartID, "error", err)
		return model.ConversationSummary{}, false
	}
	return s, ok
}

func (x *Index) save(ctx context.Context, s model.ConversationSummary) {
	if err := x.cache.Put(ctx, s); err != nil {
		x.fail(ctx, s.ViewerID, s.CounterpartID, err)
		return
	}
	x.clearDirty(s.ViewerID, s.CounterpartID)
}

// fail 记录 dirty，并尽量清除缓存中的完整标记，使进程重启后仍会重建
func (x *Index) fail(ctx context.Context, viewerID, counterpartID string, err error) {
	x.metrics.IncIndexError()
	x.logger.Error("Update conversation summary failed", "viewerId", viewerID, "counterpartId", counterpartID, "error", err)
	x.markDirty(viewerID, counterpartID)
	if err := x.cache.SetBuilt(ctx, viewerID, false); err != nil {
		x.logger.Warn("Clear conversation cache marker failed", "viewerId", viewerID, "error", err)
	}
}

func (x *Index) markDirty(viewerID, counterpartID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.dirty[viewerID]
	if !ok {
		set = make(map[string]struct{})
		x.dirty[viewerID] = set
	}
	set[counterpartID] = struct{}{}
}

func (x *Index) clearDirty(viewerID, counterpartID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.dirty[viewerID], counterpartID)
	if len(x.dirty[viewerID]) == 0 {
		delete(x.dirty, viewerID)
	}
}

func (x *Index) isDirty(viewerID, counterpartID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.dirty[viewerID][counterpartID]
	return ok
}
