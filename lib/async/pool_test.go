package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p, err := NewPool(4, 16, nil)
	require.NoError(t, err)

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, int64(10), ran.Load())
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p, err := NewPool(1, 0, nil)
	require.NoError(t, err)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	// Worker busy, zero queue: the next submit fails fast.
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrSaturated)
	close(release)
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p, err := NewPool(1, 1, nil)
	require.NoError(t, err)
	p.Close()

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p, err := NewPool(1, 4, func(err error) {
		mu.Lock()
		seen = append(seen, err.Error())
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		return errors.New("task failed")
	}))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	// Worker survives both.
	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	require.True(t, ran.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.Contains(t, seen[0], "task failed")
	require.Contains(t, seen[1], "task panicked")
}

func TestNewPoolValidatesWorkers(t *testing.T) {
	_, err := NewPool(0, 1, nil)
	require.Error(t, err)
}
