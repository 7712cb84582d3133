package index

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/pairlock"
	"sudooom.im.inbox/internal/store"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

// flakyCache 可按需注入失败的缓存
type flakyCache struct {
	*MemoryCache
	failPut  atomic.Bool
	failList atomic.Bool
}

func (c *flakyCache) Put(ctx context.Context, s model.ConversationSummary) error {
	if c.failPut.Load() {
		return errors.New("cache unavailable")
	}
	return c.MemoryCache.Put(ctx, s)
}

func (c *flakyCache) List(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	if c.failList.Load() {
		return nil, errors.New("cache unavailable")
	}
	return c.MemoryCache.List(ctx, viewerID)
}

type fixture struct {
	store *store.MemoryStore
	cache *flakyCache
	index *Index
	next  int64
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	cache := &flakyCache{MemoryCache: NewMemoryCache()}
	return &fixture{
		store: st,
		cache: cache,
		index: New(cache, st, pairlock.New(time.Second), 120, nil),
	}
}

func (f *fixture) send(t *testing.T, from, to, body string) model.Message {
	t.Helper()
	f.next++
	m, _, err := f.store.Insert(context.Background(), model.Message{
		ID:          f.next,
		SenderID:    from,
		RecipientID: to,
		Body:        body,
		CreatedAt:   t0.Add(time.Duration(f.next) * time.Millisecond),
	})
	require.NoError(t, err)
	f.index.ApplyMessage(context.Background(), m)
	return m
}

func (f *fixture) assertMatchesStore(t *testing.T, viewerID string) {
	t.Helper()
	ctx := context.Background()
	list, err := f.index.List(ctx, viewerID)
	require.NoError(t, err)
	for _, s := range list {
		want, err := f.store.CountUnread(ctx, viewerID, s.CounterpartID)
		require.NoError(t, err)
		assert.Equal(t, want, s.UnreadCount, "unread for %s/%s", viewerID, s.CounterpartID)
	}
}

func TestIndex_SendUpdatesBothSides(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "Hi")

	vendor, err := f.index.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, vendor, 1)
	assert.Equal(t, "admin", vendor[0].CounterpartID)
	assert.Equal(t, 1, vendor[0].UnreadCount)
	assert.Equal(t, "Hi", vendor[0].LastMessagePreview)

	admin, err := f.index.List(ctx, "admin")
	require.NoError(t, err)
	require.Len(t, admin, 1)
	assert.Equal(t, 0, admin[0].UnreadCount)
	assert.Equal(t, vendor[0].LastMessageID, admin[0].LastMessageID)
}

func TestIndex_ApplyReadOnlyTouchesViewer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "one")
	f.send(t, "vendor", "admin", "two")
	f.send(t, "admin", "vendor", "three")

	_, err := f.store.MarkRead(ctx, "vendor", "admin", t0.Add(time.Minute))
	require.NoError(t, err)
	s, err := f.index.ApplyRead(ctx, "vendor", "admin")
	require.NoError(t, err)
	assert.Zero(t, s.UnreadCount)

	admin, err := f.index.List(ctx, "admin")
	require.NoError(t, err)
	require.Len(t, admin, 1)
	assert.Equal(t, 1, admin[0].UnreadCount)

	f.assertMatchesStore(t, "vendor")
	f.assertMatchesStore(t, "admin")
}

func TestIndex_OrderedByLastMessageDesc(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "a", "admin", "first")
	f.send(t, "b", "admin", "second")
	f.send(t, "a", "admin", "third")

	list, err := f.index.List(ctx, "admin")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].CounterpartID)
	assert.Equal(t, "b", list[1].CounterpartID)
	assert.Equal(t, 2, list[0].UnreadCount)

	total, err := f.index.TotalUnread(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestIndex_HealsAfterFailedPut(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "one")
	f.cache.failPut.Store(true)
	f.send(t, "admin", "vendor", "two")
	f.cache.failPut.Store(false)

	// 缓存仍是旧值，List 时按 dirty 重算
	stale, _, err := f.cache.Get(ctx, "vendor", "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, stale.UnreadCount)

	list, err := f.index.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, "two", list[0].LastMessagePreview)

	healed, _, err := f.cache.Get(ctx, "vendor", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, healed.UnreadCount)
}

func TestIndex_ListFallsBackToStore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "one")
	f.send(t, "client", "vendor", "two")
	f.cache.failList.Store(true)

	list, err := f.index.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "client", list[0].CounterpartID)
	f.assertMatchesStore(t, "vendor")
}

func TestIndex_Rebuild(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "one")
	f.send(t, "client", "vendor", "two")

	// 人为污染缓存
	require.NoError(t, f.cache.Put(ctx, model.ConversationSummary{
		ViewerID: "vendor", CounterpartID: "admin", UnreadCount: 42, LastMessageAt: t0,
	}))

	n, err := f.index.Rebuild(ctx, "vendor")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f.assertMatchesStore(t, "vendor")
}

func TestIndex_ColdCacheRebuildsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.OpenPebble(dir)
	require.NoError(t, err)
	x := New(NewMemoryCache(), st, pairlock.New(time.Second), 120, nil)
	for id := int64(1); id <= 2; id++ {
		m, _, err := st.Insert(ctx, model.Message{
			ID: id, SenderID: "admin", RecipientID: "vendor", Body: "hi",
			CreatedAt: t0.Add(time.Duration(id) * time.Millisecond),
		})
		require.NoError(t, err)
		x.ApplyMessage(ctx, m)
	}
	list, err := x.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)
	require.NoError(t, st.Close())

	// 重启：同一数据目录，全新的内存缓存
	reopened, err := store.OpenPebble(dir)
	require.NoError(t, err)
	defer reopened.Close()
	restarted := New(NewMemoryCache(), reopened, pairlock.New(time.Second), 120, nil)

	list, err = restarted.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "admin", list[0].CounterpartID)
	assert.Equal(t, 2, list[0].UnreadCount)

	total, err := restarted.TotalUnread(ctx, "vendor")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestIndex_FlushedCacheIsRebuilt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "one")
	f.send(t, "client", "vendor", "two")
	_, err := f.index.List(ctx, "vendor")
	require.NoError(t, err)
	built, err := f.cache.Built(ctx, "vendor")
	require.NoError(t, err)
	assert.True(t, built)

	// 缓存被清空（淘汰或 FLUSHDB）
	require.NoError(t, f.cache.Reset(ctx, "vendor"))

	list, err := f.index.List(ctx, "vendor")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	f.assertMatchesStore(t, "vendor")
}

func TestIndex_FailureSurvivesIndexRestart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.send(t, "admin", "vendor", "one")
	_, err := f.index.List(ctx, "vendor")
	require.NoError(t, err)

	f.cache.failPut.Store(true)
	f.send(t, "admin", "vendor", "two")
	f.cache.failPut.Store(false)

	// 新的 Index 实例没有进程内 dirty 记录，只能依赖缓存中的标记
	restarted := New(f.cache, f.store, pairlock.New(time.Second), 120, nil)
	list, err := restarted.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, "two", list[0].LastMessagePreview)
}
