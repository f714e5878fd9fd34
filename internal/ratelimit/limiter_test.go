package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/errs"
)

func TestAcquireWithinBudgetIsImmediate(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 3, Window: time.Second})
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestThirdAcquireWaitsForWindowRoll(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 2, Window: 300 * time.Millisecond})
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestFIFOAmongSuspendedCallers(t *testing.T) {
	l := New(Config{Venue: "bybit", MaxRequests: 1, Window: 50 * time.Millisecond})
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	const callers = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		// Stagger goroutine entry so queue order matches launch order.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, callers)
	for i, got := range order {
		require.Equal(t, i, got, "admission order")
	}
}

func TestThrottleBackoffDelaysAcquire(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 100, Window: time.Second, RetryBaseDelay: 200 * time.Millisecond})
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	l.ReportThrottled()

	require.Positive(t, l.RetryAfter())

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	// Base delay 200ms plus up to 500ms jitter.
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSuccessResetsBackoff(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 100, Window: time.Second, RetryBaseDelay: time.Hour})
	defer l.Close()

	l.ReportThrottled()
	require.Positive(t, l.RetryAfter())

	l.ReportSuccess()
	require.Zero(t, l.RetryAfter())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
}

func TestMaxRetriesFailsFast(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 100, Window: time.Second, RetryBaseDelay: time.Millisecond, MaxRetries: 5})
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.ReportThrottled()
	}

	err := l.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimit, errs.CodeOf(err))
	require.False(t, errs.IsRetryable(err), "guard error is terminal")
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 1, Window: time.Hour})
	defer l.Close()

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotReflectsState(t *testing.T) {
	l := New(Config{Venue: "binance", MaxRequests: 2, Window: time.Hour})
	defer l.Close()

	require.NoError(t, l.Acquire(context.Background()))
	m := l.Snapshot()
	require.Equal(t, uint64(1), m.Admitted)
	require.Zero(t, m.Throttles)
}
