package es

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

// collector gathers deliveries for assertions.
type collector struct {
	mu   sync.Mutex
	got  []Delivery
	fail func(Delivery) error
}

func (c *collector) deliver(_ context.Context, d Delivery) error {
	c.mu.Lock()
	c.got = append(c.got, d)
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return fail(d)
	}
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, len(c.got))
	copy(out, c.got)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []Delivery {
	t.Helper()
	require.Eventually(t, func() bool { return c.len() >= n }, 5*time.Second, time.Millisecond)
	return c.deliveries()
}

func TestSubscription_Live(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Append(t.Context(), "cart-1", ExpectNoStream, testEvents(t, 2)...)
	require.NoError(t, err)

	c := &collector{}
	sub, err := s.SubscribeLive(t.Context(), StreamTarget("cart-1"), c.deliver)
	require.NoError(t, err)
	defer sub.Close()

	<-sub.LiveChan()
	require.Equal(t, SubscriptionLive, sub.State())

	_, err = s.Append(t.Context(), "cart-1", ExpectVersion(1), testEvents(t, 3)...)
	require.NoError(t, err)
	_, err = s.Append(t.Context(), "cart-2", ExpectAny, testEvents(t, 1)...)
	require.NoError(t, err)

	got := c.waitFor(t, 3)
	require.Len(t, got, 3)
	for i, d := range got {
		require.True(t, d.Live)
		require.Equal(t, "cart-1", d.Event.StreamName)
		require.EqualValues(t, i+2, d.Event.EventNumber)
	}
}

func TestSubscription_CatchUp(t *testing.T) {
	s := NewInMemoryStore(WithReadPageSize(3))
	_, err := s.Append(t.Context(), "cart-1", ExpectNoStream, testEvents(t, 10)...)
	require.NoError(t, err)

	c := &collector{}
	sub, err := s.SubscribeCatchUp(t.Context(), StreamTarget("cart-1"), 4, c.deliver)
	require.NoError(t, err)
	defer sub.Close()
	require.EqualValues(t, 10, sub.HighWaterMark())

	_, err = s.Append(t.Context(), "cart-1", ExpectVersion(9), testEvents(t, 2)...)
	require.NoError(t, err)

	got := c.waitFor(t, 8)
	require.Len(t, got, 8)
	for i, d := range got {
		require.EqualValues(t, i+4, d.Event.EventNumber)
		require.Equal(t, d.Event.EventNumber >= 10, d.Live)
	}
}

func TestSubscription_CatchUp_concurrentWrites(t *testing.T) {
	s := NewInMemoryStore(WithReadPageSize(7))
	_, err := s.Append(t.Context(), "load-1", ExpectNoStream, testEvents(t, 50)...)
	require.NoError(t, err)

	var (
		g   errgroup.Group
		evs = testEvents(t, 1)
	)
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if _, err := s.Append(context.Background(), "load-1", ExpectAny, evs...); err != nil {
				return err
			}
		}
		return nil
	})

	c := &collector{}
	sub, err := s.SubscribeCatchUp(t.Context(), StreamTarget("load-1"), 0, c.deliver)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, g.Wait())

	got := c.waitFor(t, 250)
	require.Len(t, got, 250)
	for i, d := range got {
		require.EqualValues(t, i, d.Event.EventNumber, "no gaps and no duplicates")
	}
}

func TestSubscription_CatchUp_beyondEnd(t *testing.T) {
	positions := func(ds []Delivery) []uint64 {
		out := make([]uint64, len(ds))
		for i, d := range ds {
			out[i] = d.Event.Position
		}
		return out
	}
	numbers := func(ds []Delivery) []int64 {
		out := make([]int64, len(ds))
		for i, d := range ds {
			out[i] = d.Event.OriginalEventNumber()
		}
		return out
	}

	t.Run("stream", func(t *testing.T) {
		s := NewInMemoryStore()
		_, err := s.Append(t.Context(), "cart-1", ExpectNoStream, testEvents(t, 2)...)
		require.NoError(t, err)

		c := &collector{}
		sub, err := s.SubscribeCatchUp(t.Context(), StreamTarget("cart-1"), 5, c.deliver)
		require.NoError(t, err)
		defer sub.Close()
		<-sub.LiveChan()

		_, err = s.Append(t.Context(), "cart-1", ExpectVersion(1), testEvents(t, 4)...)
		require.NoError(t, err)
		_, err = s.Append(t.Context(), "cart-1", ExpectVersion(5), testEvents(t, 2)...)
		require.NoError(t, err)

		got := c.waitFor(t, 3)
		require.Equal(t, []int64{5, 6, 7}, numbers(got))
	})

	t.Run("category", func(t *testing.T) {
		s := NewInMemoryStore()
		_, err := s.Append(t.Context(), "cart-1", ExpectNoStream, testEvents(t, 2)...)
		require.NoError(t, err)

		c := &collector{}
		sub, err := s.SubscribeCatchUp(t.Context(), CategoryTarget("cart"), 3, c.deliver)
		require.NoError(t, err)
		defer sub.Close()
		<-sub.LiveChan()

		_, err = s.Append(t.Context(), "cart-2", ExpectNoStream, testEvents(t, 3)...)
		require.NoError(t, err)

		got := c.waitFor(t, 2)
		require.Equal(t, []int64{3, 4}, numbers(got))
		require.Equal(t, "$ce-cart", got[0].Event.ProjectedStream)
	})

	t.Run("all", func(t *testing.T) {
		s := NewInMemoryStore()
		_, err := s.Append(t.Context(), "cart-1", ExpectNoStream, testEvents(t, 2)...)
		require.NoError(t, err)

		c := &collector{}
		sub, err := s.SubscribeCatchUp(t.Context(), AllTarget(), 5, c.deliver)
		require.NoError(t, err)
		defer sub.Close()
		<-sub.LiveChan()

		for i := range 4 {
			_, err = s.Append(t.Context(), fmt.Sprintf("cart-%d", i+2), ExpectNoStream, testEvents(t, 1)...)
			require.NoError(t, err)
		}

		got := c.waitFor(t, 2)
		require.Equal(t, []uint64{5, 6}, positions(got))
	})
}

func TestSubscription_All(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Append(t.Context(), "acc-1", ExpectNoStream, EventData{Type: "Opened"})
	require.NoError(t, err)

	plain := &collector{}
	sub1, err := s.SubscribeCatchUp(t.Context(), AllTarget(), 0, plain.deliver)
	require.NoError(t, err)
	defer sub1.Close()

	withProjections := &collector{}
	sub2, err := s.SubscribeCatchUp(t.Context(), AllTarget(), 0, withProjections.deliver, WithProjectedEvents())
	require.NoError(t, err)
	defer sub2.Close()

	_, err = s.Append(t.Context(), "acc-1", ExpectVersion(0), EventData{Type: "Closed"})
	require.NoError(t, err)

	got := plain.waitFor(t, 2)
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got[0].Event.Position)
	require.EqualValues(t, 2, got[1].Event.Position)
	require.False(t, got[0].Event.IsProjected())

	got = withProjections.waitFor(t, 6)
	require.Len(t, got, 6)
	streams := make([]string, len(got))
	for i, d := range got {
		streams[i] = d.Event.OriginalStreamName()
	}
	require.Equal(t, []string{
		"acc-1", "$ce-acc", "$et-Opened",
		"acc-1", "$ce-acc", "$et-Closed",
	}, streams)
	require.EqualValues(t, 1, got[4].Event.ProjectedNumber)
	require.EqualValues(t, 0, got[5].Event.ProjectedNumber)
}

func TestSubscription_Projection(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Append(t.Context(), "acc-1", ExpectNoStream, EventData{Type: "Opened"})
	require.NoError(t, err)

	byCategory := &collector{}
	sub, err := s.SubscribeCatchUp(t.Context(), CategoryTarget("acc"), 0, byCategory.deliver)
	require.NoError(t, err)
	defer sub.Close()

	byType := &collector{}
	sub2, err := s.SubscribeLive(t.Context(), EventTypeTarget("Opened"), byType.deliver)
	require.NoError(t, err)
	defer sub2.Close()
	<-sub2.LiveChan()

	_, err = s.Append(t.Context(), "acc-2", ExpectNoStream, EventData{Type: "Opened"})
	require.NoError(t, err)
	_, err = s.Append(t.Context(), "other-2", ExpectNoStream, EventData{Type: "Ignored"})
	require.NoError(t, err)

	got := byCategory.waitFor(t, 2)
	require.Len(t, got, 2)
	require.Equal(t, "$ce-acc", got[1].Event.ProjectedStream)
	require.EqualValues(t, 1, got[1].Event.ProjectedNumber)
	require.Equal(t, "acc-2", got[1].Event.StreamName)

	got = byType.waitFor(t, 1)
	require.Len(t, got, 1)
	require.Equal(t, "$et-Opened", got[0].Event.ProjectedStream)
	require.EqualValues(t, 1, got[0].Event.ProjectedNumber)
}

func TestSubscription_CancelFromCallback(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Append(t.Context(), "c-1", ExpectNoStream, testEvents(t, 10)...)
	require.NoError(t, err)

	var calls int
	sub, err := s.SubscribeCatchUp(t.Context(), StreamTarget("c-1"), 0, func(_ context.Context, d Delivery) error {
		calls++
		if d.Event.EventNumber == 2 {
			d.Subscription.Cancel()
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}
	require.Equal(t, 3, calls)
	require.Equal(t, SubscriptionCancelled, sub.State())
	require.NoError(t, sub.Err())

	_, err = s.Append(t.Context(), "c-1", ExpectAny, testEvents(t, 1)...)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestSubscription_CloseWaitsForCallback(t *testing.T) {
	s := NewInMemoryStore()

	var (
		entered = make(chan struct{})
		release = make(chan struct{})
		mu      sync.Mutex
		calls   int
	)
	sub, err := s.SubscribeLive(t.Context(), AllTarget(), func(context.Context, Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-sub.LiveChan()

	_, err = s.Append(t.Context(), "slow-1", ExpectAny, testEvents(t, 3)...)
	require.NoError(t, err)
	<-entered

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestSubscription_NoCallbackAfterCancel(t *testing.T) {
	s := NewInMemoryStore()
	evs := testEvents(t, 1)

	for round := 0; round < 200; round++ {
		var (
			cancelled atomic.Bool
			late      atomic.Int32
		)
		sub, err := s.SubscribeLive(t.Context(), AllTarget(), func(context.Context, Delivery) error {
			if cancelled.Load() {
				late.Add(1)
			}
			return nil
		})
		require.NoError(t, err)
		<-sub.LiveChan()

		var g errgroup.Group
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				if _, err := s.Append(context.Background(), "race-1", ExpectAny, evs...); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			sub.Cancel()
			cancelled.Store(true)
			return nil
		})
		require.NoError(t, g.Wait())
		<-sub.Done()

		require.Zero(t, late.Load(), "round %d: callback started after Cancel returned", round)
	}
}

func TestSubscription_Isolation(t *testing.T) {
	s := NewInMemoryStore()

	panicking := &collector{fail: func(Delivery) error { panic("boom") }}
	failing := &collector{fail: func(Delivery) error { return errors.New("nope") }}
	healthy := &collector{}

	for _, c := range []*collector{panicking, failing, healthy} {
		sub, err := s.SubscribeLive(t.Context(), AllTarget(), c.deliver)
		require.NoError(t, err)
		defer sub.Close()
		<-sub.LiveChan()
	}

	for i := 0; i < 5; i++ {
		_, err := s.Append(t.Context(), fmt.Sprintf("iso-%d", i), ExpectNoStream, testEvents(t, 1)...)
		require.NoError(t, err, "subscriber failures must not reach the writer")
	}

	require.Len(t, healthy.waitFor(t, 5), 5)
	require.Len(t, failing.waitFor(t, 5), 5)
	require.Len(t, panicking.waitFor(t, 5), 5)
}

func TestSubscription_Overflow(t *testing.T) {
	s := NewInMemoryStore()

	release := make(chan struct{})
	sub, err := s.SubscribeLive(t.Context(), AllTarget(), func(ctx context.Context, _ Delivery) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, WithMaxQueue(4))
	require.NoError(t, err)
	<-sub.LiveChan()

	for i := 0; i < 10; i++ {
		_, err := s.Append(t.Context(), "flood-1", ExpectAny, testEvents(t, 1)...)
		require.NoError(t, err)
	}
	close(release)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("overflowing subscription was not dropped")
	}
	require.Equal(t, SubscriptionDropped, sub.State())
	require.ErrorIs(t, sub.Err(), ErrSubscriptionOverflow)
}

func TestSubscription_ContextCancel(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(t.Context())

	sub, err := s.SubscribeLive(ctx, AllTarget(), func(context.Context, Delivery) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, s.subs.count())

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription outlived its context")
	}
	require.Equal(t, SubscriptionCancelled, sub.State())
	require.Equal(t, 0, s.subs.count())
}

func TestSubscription_StoreClose(t *testing.T) {
	s := NewInMemoryStore()
	sub, err := s.SubscribeCatchUp(t.Context(), AllTarget(), 0, func(context.Context, Delivery) error { return nil })
	require.NoError(t, err)

	require.NoError(t, s.Close())
	<-sub.Done()
	require.Equal(t, SubscriptionDropped, sub.State())
	require.ErrorIs(t, sub.Err(), ErrStoreClosed)
}

func TestSubscription_invalid(t *testing.T) {
	s := NewInMemoryStore()
	noop := func(context.Context, Delivery) error { return nil }

	_, err := s.SubscribeLive(t.Context(), StreamTarget(""), noop)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.SubscribeLive(t.Context(), Target{}, noop)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.SubscribeLive(t.Context(), AllTarget(), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.SubscribeCatchUp(t.Context(), AllTarget(), -1, noop)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
