package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	waits map[Mode][]time.Duration
}

func (o *recordingObserver) ObserveWait(provider string, mode Mode, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.waits == nil {
		o.waits = make(map[Mode][]time.Duration)
	}
	o.waits[mode] = append(o.waits[mode], d)
}

func (o *recordingObserver) count(mode Mode) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waits[mode])
}

func TestNew_StartsFull(t *testing.T) {
	for _, tc := range []struct{ capacity, rate float64 }{
		{1, 1}, {2, 0.5}, {5, 5}, {100, 10},
	} {
		l, err := New("test", tc.capacity, tc.rate)
		require.NoError(t, err)
		assert.Equal(t, tc.capacity, l.Available())
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	for _, tc := range []struct{ capacity, rate float64 }{
		{0, 1}, {-1, 1}, {1, 0}, {1, -0.5},
	} {
		_, err := New("test", tc.capacity, tc.rate)
		assert.ErrorIs(t, err, ErrConfig)
	}
}

func TestAcquire_NoWaitWhenTokensAvailable(t *testing.T) {
	l, err := New("test", 10, 1)
	require.NoError(t, err)

	for n := 1; n <= 4; n++ {
		start := time.Now()
		require.NoError(t, l.Acquire(n))
		assert.Less(t, time.Since(start), 20*time.Millisecond)
	}
}

func TestAcquire_MoreThanCapacity(t *testing.T) {
	l, err := New("test", 3, 100)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Acquire(4), ErrExceedsCapacity)
	assert.ErrorIs(t, l.AcquireContext(context.Background(), 4), ErrExceedsCapacity)
	assert.ErrorIs(t, l.Acquire(0), ErrInvalidCount)

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, l.Acquire(4), ErrExceedsCapacity, "elapsed time never makes it satisfiable")
}

func TestAcquire_BlocksUntilRefill(t *testing.T) {
	l, err := New("test", 2, 1.0)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(2))

	start := time.Now()
	require.NoError(t, l.Acquire(1))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 990*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestAcquire_FullBucketTwice(t *testing.T) {
	l, err := New("test", 5, 5.0)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(5))

	start := time.Now()
	require.NoError(t, l.AcquireContext(context.Background(), 5))
	elapsed := time.Since(start)

	assert.InDelta(t, time.Second.Seconds(), elapsed.Seconds(), 0.2)
}

func TestAcquireContext_Cancelled(t *testing.T) {
	l, err := New("test", 1, 0.1)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = l.AcquireContext(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNotifyRetryAfter_ForcesWait(t *testing.T) {
	l, err := New("test", 5, 5)
	require.NoError(t, err)

	start := time.Now()
	l.NotifyRetryAfter(time.Second)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	// After the gate the bucket refilled normally instead of being zeroed.
	assert.Equal(t, 5.0, l.Available())
}

func TestNotifyRetryAfter_GatesOtherCallers(t *testing.T) {
	l, err := New("test", 5, 5)
	require.NoError(t, err)

	notified := make(chan struct{})
	go func() {
		close(notified)
		_ = l.NotifyRetryAfterContext(context.Background(), 500*time.Millisecond)
	}()
	<-notified
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.AcquireContext(context.Background(), 1))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestMixedCallersShareOneBucket(t *testing.T) {
	l, err := New("test", 5, 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := time.Now()
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, l.Acquire(1))
				return
			}
			assert.NoError(t, l.AcquireContext(context.Background(), 1))
		}()
	}
	wg.Wait()

	// 5 tokens up front, the other 15 arrive at 50/s.
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	avail := l.Available()
	assert.GreaterOrEqual(t, avail, 0.0)
	assert.LessOrEqual(t, avail, 5.0)
}

func TestObserverTagsMode(t *testing.T) {
	obs := &recordingObserver{}
	l, err := New("yahoo", 1, 20, WithObserver(obs))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(1))
	require.NoError(t, l.Acquire(1))
	require.NoError(t, l.AcquireContext(context.Background(), 1))

	assert.Equal(t, 1, obs.count(ModeBlocking))
	assert.Equal(t, 1, obs.count(ModeContext))
}

func TestReset(t *testing.T) {
	l, err := New("test", 3, 0.01)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(3))
	assert.Less(t, l.Available(), 1.0)

	l.Reset()
	assert.Equal(t, 3.0, l.Available())
}
