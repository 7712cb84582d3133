package index

import (
	"context"
	"sync"

	"sudooom.im.inbox/internal/model"
)

// Cache 会话摘要缓存，可随时丢弃并从消息存储重建
type Cache interface {
	Get(ctx context.Context, viewerID, counterpartID string) (model.ConversationSummary, bool, error)
	Put(ctx context.Context, s model.ConversationSummary) error
	// List 返回 viewer 的全部会话摘要，顺序不作保证
	List(ctx context.Context, viewerID string) ([]model.ConversationSummary, error)
	// Reset 清空 viewer 的全部摘要与完整标记
	Reset(ctx context.Context, viewerID string) error
	// Built 报告 viewer 的缓存是否由一次完整重建建立，缺失时 List 前需要重建
	Built(ctx context.Context, viewerID string) (bool, error)
	// SetBuilt 设置或清除 viewer 的完整标记
	SetBuilt(ctx context.Context, viewerID string, built bool) error
	Ping(ctx context.Context) error
}

// MemoryCache 进程内会话摘要缓存
type MemoryCache struct {
	mu    sync.RWMutex
	views map[string]map[string]model.ConversationSummary
	built map[string]struct{}
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		views: make(map[string]map[string]model.ConversationSummary),
		built: make(map[string]struct{}),
	}
}

func (c *MemoryCache) Get(ctx context.Context, viewerID, counterpartID string) (model.ConversationSummary, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.views[viewerID][counterpartID]
	return s, ok, nil
}

func (c *MemoryCache) Put(ctx context.Context, s model.ConversationSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[s.ViewerID]
	if !ok {
		view = make(map[string]model.ConversationSummary)
		c.views[s.ViewerID] = view
	}
	view[s.CounterpartID] = s
	return nil
}

func (c *MemoryCache) List(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.ConversationSummary, 0, len(c.views[viewerID]))
	for _, s := range c.views[viewerID] {
		out = append(out, s)
	}
	return out, nil
}

func (c *MemoryCache) Reset(ctx context.Context, viewerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, viewerID)
	delete(c.built, viewerID)
	return nil
}

func (c *MemoryCache) Built(ctx context.Context, viewerID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.built[viewerID]
	return ok, nil
}

func (c *MemoryCache) SetBuilt(ctx context.Context, viewerID string, built bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if built {
		c.built[viewerID] = struct{}{}
	} else {
		delete(c.built, viewerID)
	}
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}
