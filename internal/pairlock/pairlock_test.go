package pairlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
)

func TestLock_SerializesSamePair(t *testing.T) {
	l := New(time.Second)
	pair := model.NewPairKey("admin", "vendor")

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), pair)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Zero(t, l.Len())
}

func TestLock_TimeoutIsBusy(t *testing.T) {
	l := New(20 * time.Millisecond)
	pair := model.NewPairKey("a", "b")

	unlock, err := l.Lock(context.Background(), pair)
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(context.Background(), model.NewPairKey("b", "a"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrBusy))
	assert.True(t, apperrors.Retryable(err))
}

func TestLock_DistinctPairsIndependent(t *testing.T) {
	l := New(20 * time.Millisecond)

	unlockAB, err := l.Lock(context.Background(), model.NewPairKey("a", "b"))
	require.NoError(t, err)
	defer unlockAB()

	unlockAC, err := l.Lock(context.Background(), model.NewPairKey("a", "c"))
	require.NoError(t, err)
	unlockAC()
	unlockAC()

	assert.Equal(t, 1, l.Len())
}

func TestLock_CallerCancel(t *testing.T) {
	l := New(0)
	pair := model.NewPairKey("a", "b")
	unlock, err := l.Lock(context.Background(), pair)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, pair)
	assert.ErrorIs(t, err, context.Canceled)
}
