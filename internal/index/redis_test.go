package index

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.inbox/internal/model"
)

// 注意：这些测试需要一个运行中的 Redis 实例
// 如果没有 Redis，测试将被跳过

func getTestRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}

	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestBuildConversationKeys(t *testing.T) {
	assert.Equal(t, "im:inbox:conv:{vendor}:admin", BuildConversationKey("vendor", "admin"))
	assert.Equal(t, "im:inbox:conv:idx:{vendor}", BuildConversationIndexKey("vendor"))
	assert.Equal(t, "im:inbox:conv:built:{vendor}", BuildConversationBuiltKey("vendor"))
}

func TestRedisCache_PutGetList(t *testing.T) {
	client := getTestRedisClient(t)
	cache := NewRedisCache(client)
	ctx := context.Background()

	older := model.ConversationSummary{
		ViewerID: "vendor", CounterpartID: "admin",
		LastMessageID: 1, LastMessagePreview: "hi", LastMessageAt: t0, LastSenderID: "admin", UnreadCount: 1,
	}
	newer := model.ConversationSummary{
		ViewerID: "vendor", CounterpartID: "client",
		LastMessageID: 2, LastMessagePreview: "yo", LastMessageAt: t0.Add(time.Second), LastSenderID: "vendor",
	}
	require.NoError(t, cache.Put(ctx, older))
	require.NoError(t, cache.Put(ctx, newer))

	got, ok, err := cache.Get(ctx, "vendor", "admin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, older, got)

	_, ok, err = cache.Get(ctx, "vendor", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := cache.List(ctx, "vendor")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "client", list[0].CounterpartID)

	built, err := cache.Built(ctx, "vendor")
	require.NoError(t, err)
	assert.False(t, built)
	require.NoError(t, cache.SetBuilt(ctx, "vendor", true))
	built, err = cache.Built(ctx, "vendor")
	require.NoError(t, err)
	assert.True(t, built)

	require.NoError(t, cache.Reset(ctx, "vendor"))
	list, err = cache.List(ctx, "vendor")
	require.NoError(t, err)
	assert.Empty(t, list)
	built, err = cache.Built(ctx, "vendor")
	require.NoError(t, err)
	assert.False(t, built)
}
