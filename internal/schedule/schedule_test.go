package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfter_RunsOnce(t *testing.T) {
	ctx := context.Background()
	var count int32
	done := make(chan struct{})

	After(ctx, 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&count, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestAfter_CanceledBeforeFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count int32
	cancel()

	After(ctx, 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestTicker_DoesNotOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running int32
	var overlapped int32
	var runs int32

	ticker := &Ticker{
		Interval: 5 * time.Millisecond,
		Task: func(ctx context.Context) time.Duration {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.AddInt32(&overlapped, 1)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&runs, 1)
			atomic.StoreInt32(&running, 0)
			return 5 * time.Millisecond
		},
	}

	go ticker.Run(ctx)

	time.Sleep(60 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	require.EqualValues(t, 0, atomic.LoadInt32(&overlapped))
	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
}
