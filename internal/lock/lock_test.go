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

func TestWithLockSerializesPerRepository(t *testing.T) {
	l := NewRepoLocker(nil)

	var inCritical int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "acme/svc", "fetch", func() error {
				n := atomic.AddInt32(&inCritical, 1)
				for {
					max := atomic.LoadInt32(&maxSeen)
					if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inCritical, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen), "two critical sections overlapped")
}

func TestWithLockDifferentReposDoNotBlock(t *testing.T) {
	l := NewRepoLocker(nil)

	release, ok := l.TryLock("acme/a")
	require.True(t, ok)
	defer release()

	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "acme/b", "clone", func() error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on acme/a blocked operation on acme/b")
	}
}

func TestWithLockRespectsContext(t *testing.T) {
	l := NewRepoLocker(nil)

	release, ok := l.TryLock("acme/svc")
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WithLock(ctx, "acme/svc", "fetch", func() error {
		t.Fatal("fn must not run when acquisition is cancelled")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := NewRepoLocker(nil)

	wantErr := assert.AnError
	err := l.WithLock(context.Background(), "acme/svc", "clone", func() error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Lock must be free again.
	release, ok := l.TryLock("acme/svc")
	require.True(t, ok)
	release()
}
