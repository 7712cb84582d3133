package pairlock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
)

// Locker 会话对级别的互斥锁
// 同一会话对的发送与已读串行执行，不同会话对互不阻塞
type Locker struct {
	mu      sync.Mutex
	entries map[model.PairKey]*entry
	timeout time.Duration
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// New 创建会话对锁，timeout <= 0 时只受 ctx 控制
func New(timeout time.Duration) *Locker {
	return &Locker{
		entries: make(map[model.PairKey]*entry),
		timeout: timeout,
	}
}

// Lock 获取会话对锁，超时返回 ErrBusy
// 返回的 unlock 必须调用且只调用一次
func (l *Locker) Lock(ctx context.Context, pair model.PairKey) (unlock func(), err error) {
	l.mu.Lock()
	e, ok := l.entries[pair]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[pair] = e
	}
	e.refs++
	l.mu.Unlock()

	acquireCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		l.release(pair, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.ErrBusy.Wrap(err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.release(pair, e)
		})
	}, nil
}

func (l *Locker) release(pair model.PairKey, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, pair)
	}
}

// Len 当前持有或等待中的会话对数量
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
