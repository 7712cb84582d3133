package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.inbox/internal/model"
)

const (
	// ConversationKeyPrefix 会话摘要 Hash 前缀
	// Key: im:inbox:conv:{viewer}:{counterpart}
	ConversationKeyPrefix = "im:inbox:conv:"

	// ConversationIndexKeyPrefix 会话排序 ZSet 前缀，score 为最后消息时间（毫秒）
	// Key: im:inbox:conv:idx:{viewer}
	ConversationIndexKeyPrefix = "im:inbox:conv:idx:"

	// ConversationBuiltKeyPrefix 完整重建标记前缀
	// Key: im:inbox:conv:built:{viewer}
	ConversationBuiltKeyPrefix = "im:inbox:conv:built:"
)

// BuildConversationKey 构建会话摘要 Key
func BuildConversationKey(viewerID, counterpartID string) string {
	return fmt.Sprintf("%s{%s}:%s", ConversationKeyPrefix, viewerID, counterpartID)
}

// BuildConversationIndexKey 构建会话排序 Key
func BuildConversationIndexKey(viewerID string) string {
	return fmt.Sprintf("%s{%s}", ConversationIndexKeyPrefix, viewerID)
}

// BuildConversationBuiltKey 构建完整重建标记 Key
func BuildConversationBuiltKey(viewerID string) string {
	return fmt.Sprintf("%s{%s}", ConversationBuiltKeyPrefix, viewerID)
}

// RedisCache 基于 Redis 的会话摘要缓存
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 创建 Redis 缓存
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, viewerID, counterpartID string) (model.ConversationSummary, bool, error) {
	data, err := c.client.HGetAll(ctx, BuildConversationKey(viewerID, counterpartID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.ConversationSummary{}, false, nil
		}
		return model.ConversationSummary{}, false, err
	}
	if len(data) == 0 {
		return model.ConversationSummary{}, false, nil
	}
	return parseSummary(viewerID, counterpartID, data), true, nil
}

func (c *RedisCache) Put(ctx context.Context, s model.ConversationSummary) error {
	ms := s.LastMessageAt.UnixMilli()

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, BuildConversationKey(s.ViewerID, s.CounterpartID),
		"last_msg_id", s.LastMessageID,
		"last_msg_preview", s.LastMessagePreview,
		"last_msg_at", ms,
		"last_sender_id", s.LastSenderID,
		"unread_count", s.UnreadCount,
	)
	pipe.ZAdd(ctx, BuildConversationIndexKey(s.ViewerID), redis.Z{Score: float64(ms), Member: s.CounterpartID})
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) List(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	members, err := c.client.ZRevRange(ctx, BuildConversationIndexKey(viewerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []model.ConversationSummary{}, nil
	}

	// Pipeline 批量获取会话详情
	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, counterpartID := range members {
		cmds[i] = pipe.HGetAll(ctx, BuildConversationKey(viewerID, counterpartID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]model.ConversationSummary, 0, len(members))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, parseSummary(viewerID, members[i], data))
	}
	return out, nil
}

func (c *RedisCache) Reset(ctx context.Context, viewerID string) error {
	idxKey := BuildConversationIndexKey(viewerID)
	members, err := c.client.ZRange(ctx, idxKey, 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, counterpartID := range members {
		keys = append(keys, BuildConversationKey(viewerID, counterpartID))
	}
	keys = append(keys, idxKey, BuildConversationBuiltKey(viewerID))
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Built(ctx context.Context, viewerID string) (bool, error) {
	n, err := c.client.Exists(ctx, BuildConversationBuiltKey(viewerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) SetBuilt(ctx context.Context, viewerID string, built bool) error {
	key := BuildConversationBuiltKey(viewerID)
	if built {
		return c.client.Set(ctx, key, 1, 0).Err()
	}
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func parseSummary(viewerID, counterpartID string, data map[string]string) model.ConversationSummary {
	return model.ConversationSummary{
		ViewerID:           viewerID,
		CounterpartID:      counterpartID,
		LastMessageID:      parseInt64(data["last_msg_id"]),
		LastMessagePreview: data["last_msg_preview"],
		LastMessageAt:      time.UnixMilli(parseInt64(data["last_msg_at"])).UTC(),
		LastSenderID:       data["last_sender_id"],
		UnreadCount:        int(parseInt64(data["unread_count"])),
	}
}

func parseInt64(str string) int64 {
	v, _ := strconv.ParseInt(str, 10, 64)
	return v
}
