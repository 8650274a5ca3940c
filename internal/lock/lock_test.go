package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameBranch(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		running int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := r.Lock(ctx, "b")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Zero(t, r.Len(), "unused locks are dropped")
}

func TestLockDifferentBranchesIndependently(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	unlockA, err := r.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := r.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
	assert.Equal(t, 1, r.Len())
}

func TestLockHonorsContext(t *testing.T) {
	r := NewRegistry()
	unlock, err := r.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Zero(t, r.Len())
}

func TestLockAll(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	unlock, err := r.LockAll(ctx, "main", "b", "main")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = r.LockAll(short, "a", "b")
	assert.Error(t, err)
	assert.Equal(t, 2, r.Len(), "a partial acquisition is released")

	unlock()
	assert.Zero(t, r.Len())
}
