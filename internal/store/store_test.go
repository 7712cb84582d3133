package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.inbox/internal/model"
)

var base = time.UnixMilli(1_700_000_000_000).UTC()

func msg(id int64, from, to string, offset time.Duration) model.Message {
	return model.Message{
		ID:          id,
		SenderID:    from,
		RecipientID: to,
		Body:        fmt.Sprintf("body-%d", id),
		CreatedAt:   base.Add(offset),
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"pebble": func(t *testing.T) Store {
			s, err := OpenPebble("")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"postgres": newPostgresForTest,
	}
}

// newPostgresForTest 需要 INBOX_TEST_POSTGRES_DSN，否则跳过
func newPostgresForTest(t *testing.T) Store {
	dsn := os.Getenv("INBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("跳过 PostgreSQL 测试: 未设置 INBOX_TEST_POSTGRES_DSN")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("跳过 PostgreSQL 测试: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("跳过 PostgreSQL 测试: ping 失败: %v", err)
	}
	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE inbox_messages`)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return s
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestStore_InsertAndListOrdered(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		// 乱序写入，同一毫秒内按 id 排序
		for _, m := range []model.Message{
			msg(3, "admin", "vendor", 2*time.Millisecond),
			msg(1, "vendor", "admin", 0),
			msg(2, "admin", "vendor", 0),
			msg(9, "admin", "other", 0),
		} {
			_, created, err := s.Insert(ctx, m)
			require.NoError(t, err)
			assert.True(t, created)
		}

		list, err := s.List(ctx, model.NewPairKey("vendor", "admin"), model.Cursor{}, 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{list[0].ID, list[1].ID, list[2].ID})

		after := list[0].Cursor()
		page, err := s.List(ctx, model.NewPairKey("admin", "vendor"), after, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(2), page[0].ID)

		empty, err := s.List(ctx, model.NewPairKey("admin", "nobody"), model.Cursor{}, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_InsertIdempotentOnClientToken(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := msg(1, "admin", "vendor", 0)
		first.ClientToken = "tok-1"
		stored, created, err := s.Insert(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)

		retry := msg(2, "admin", "vendor", time.Second)
		retry.ClientToken = "tok-1"
		again, created, err := s.Insert(ctx, retry)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, stored.ID, again.ID)
		assert.Equal(t, stored.Body, again.Body)

		// 同一令牌、不同发送者互不影响
		other := msg(3, "vendor", "admin", time.Second)
		other.ClientToken = "tok-1"
		_, created, err = s.Insert(ctx, other)
		require.NoError(t, err)
		assert.True(t, created)

		list, err := s.List(ctx, model.NewPairKey("admin", "vendor"), model.Cursor{}, 0)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestStore_MarkReadBatch(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, m := range []model.Message{
			msg(1, "admin", "vendor", 0),
			msg(2, "admin", "vendor", time.Millisecond),
			msg(3, "vendor", "admin", 2*time.Millisecond),
			msg(4, "admin", "vendor", 3*time.Millisecond),
		} {
			_, _, err := s.Insert(ctx, m)
			require.NoError(t, err)
		}

		n, err := s.CountUnread(ctx, "vendor", "admin")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		readAt := base.Add(time.Minute)
		res, err := s.MarkRead(ctx, "vendor", "admin", readAt)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Count)
		assert.Equal(t, int64(4), res.UpToMessageID)

		n, err = s.CountUnread(ctx, "vendor", "admin")
		require.NoError(t, err)
		assert.Zero(t, n)

		// 反方向未受影响
		n, err = s.CountUnread(ctx, "admin", "vendor")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := s.List(ctx, model.NewPairKey("admin", "vendor"), model.Cursor{}, 0)
		require.NoError(t, err)
		for _, m := range list {
			if m.RecipientID == "vendor" {
				require.NotNil(t, m.ReadAt)
				assert.True(t, m.ReadAt.Equal(readAt))
			} else {
				assert.Nil(t, m.ReadAt)
			}
		}

		res, err = s.MarkRead(ctx, "vendor", "admin", readAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, res.Count)
	})
}

func TestStore_LastMessageAndCounterparts(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.LastMessage(ctx, model.NewPairKey("a", "b"))
		require.NoError(t, err)
		assert.False(t, ok)

		for _, m := range []model.Message{
			msg(1, "a", "b", 0),
			msg(2, "b", "a", time.Second),
			msg(3, "c", "a", 0),
		} {
			_, _, err := s.Insert(ctx, m)
			require.NoError(t, err)
		}

		last, ok, err := s.LastMessage(ctx, model.NewPairKey("a", "b"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), last.ID)

		ids, err := s.Counterparts(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids)

		ids, err = s.Counterparts(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids)

		require.NoError(t, s.Ping(ctx))
	})
}

func TestStore_ReturnedMessagesAreCopies(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.Insert(ctx, msg(1, "a", "b", 0))
		require.NoError(t, err)
		_, err = s.MarkRead(ctx, "b", "a", base.Add(time.Second))
		require.NoError(t, err)

		list, err := s.List(ctx, model.NewPairKey("a", "b"), model.Cursor{}, 0)
		require.NoError(t, err)
		require.NotNil(t, list[0].ReadAt)
		*list[0].ReadAt = time.Time{}

		again, err := s.List(ctx, model.NewPairKey("a", "b"), model.Cursor{}, 0)
		require.NoError(t, err)
		assert.False(t, again[0].ReadAt.IsZero())
	})
}

func TestStore_ConcurrentTokenRetries(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m := msg(int64(i+1), "admin", "vendor", time.Duration(i)*time.Millisecond)
				m.ClientToken = "same"
				_, ok, err := s.Insert(ctx, m)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		list, err := s.List(ctx, model.NewPairKey("admin", "vendor"), model.Cursor{}, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}
