package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySequencer_PerViewer(t *testing.T) {
	s := NewMemorySequencer()
	ctx := context.Background()

	a1, _ := s.Next(ctx, "a")
	a2, _ := s.Next(ctx, "a")
	b1, _ := s.Next(ctx, "b")

	assert.Equal(t, uint64(1), a1)
	assert.Equal(t, uint64(2), a2)
	assert.Equal(t, uint64(1), b1)
}

func TestRedisSequencer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}
	defer client.Close()
	client.Del(ctx, BuildSequenceKey("vendor"))

	s := NewRedisSequencer(client)
	first, err := s.Next(ctx, "vendor")
	require.NoError(t, err)
	second, err := s.Next(ctx, "vendor")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
	assert.Equal(t, "im:inbox:seq:{vendor}", BuildSequenceKey("vendor"))
}
