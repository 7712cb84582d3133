package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sequencer 分配 viewer 范围内严格递增的事件序号
type Sequencer interface {
	Next(ctx context.Context, viewerID string) (uint64, error)
}

// MemorySequencer 进程内序号，进程重启后从 1 开始
type MemorySequencer struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

// NewMemorySequencer 创建内存序号分配器
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{seqs: make(map[string]uint64)}
}

func (s *MemorySequencer) Next(ctx context.Context, viewerID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[viewerID]++
	return s.seqs[viewerID], nil
}

// SequenceKeyPrefix 序号 Redis Key 前缀
// Key: im:inbox:seq:{viewer}
const SequenceKeyPrefix = "im:inbox:seq:"

// BuildSequenceKey 构建序号 Key
func BuildSequenceKey(viewerID string) string {
	return fmt.Sprintf("%s{%s}", SequenceKeyPrefix, viewerID)
}

// RedisSequencer 基于 INCR 的序号，重启后继续递增
type RedisSequencer struct {
	client *redis.Client
}

// NewRedisSequencer 创建 Redis 序号分配器
func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) Next(ctx context.Context, viewerID string) (uint64, error) {
	n, err := s.client.Incr(ctx, BuildSequenceKey(viewerID)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}
