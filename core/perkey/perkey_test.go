package perkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLocker_SerialPerKey(t *testing.T) {
	l := New[string]()
	defer l.Close()

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		counter int
		g       errgroup.Group
	)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			return l.Do(context.Background(), "agg-1", func() error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				counter++
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	require.False(t, overlap.Load())
	require.Equal(t, 20, counter)
	require.Equal(t, 0, l.Len())
}

func TestLocker_ParallelAcrossKeys(t *testing.T) {
	l := New[string]()
	defer l.Close()

	var (
		running    atomic.Int32
		maxRunning atomic.Int32
		wg         sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), fmt.Sprintf("agg-%d", i), func() error {
				cur := running.Add(1)
				for {
					m := maxRunning.Load()
					if cur <= m || maxRunning.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.GreaterOrEqual(t, maxRunning.Load(), int32(2))
}

func TestLocker_Error(t *testing.T) {
	l := New[int]()
	defer l.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, l.Do(t.Context(), 1, func() error { return boom }), boom)
}

func TestLocker_ContextCancelWhileWaiting(t *testing.T) {
	l := New[string]()
	defer l.Close()

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), "k", func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Do(ctx, "k", func() error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ran)
	close(hold)
}

func TestLocker_Closed(t *testing.T) {
	l := New[string]()
	l.Close()
	require.ErrorIs(t, l.Do(t.Context(), "k", func() error { return nil }), ErrClosed)
}
