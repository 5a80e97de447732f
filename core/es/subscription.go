package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// === target ===

type targetKind uint8

const (
	targetStream targetKind = iota + 1
	targetAll
)

// Target selects the events a subscription receives.
type Target struct {
	kind   targetKind
	stream string
}

// StreamTarget subscribes to one stream. Projection streams ($ce-, $et-)
// are valid targets.
func StreamTarget(name string) Target { return Target{kind: targetStream, stream: name} }

func CategoryTarget(category string) Target   { return StreamTarget(CategoryStream(category)) }
func EventTypeTarget(eventType string) Target { return StreamTarget(EventTypeStream(eventType)) }

// AllTarget subscribes to every source event in position order.
func AllTarget() Target { return Target{kind: targetAll} }

func (t Target) isAll() bool { return t.kind == targetAll }

func (t Target) String() string {
	if t.isAll() {
		return "$all"
	}
	return t.stream
}

func (t Target) metricLabel() string {
	if t.isAll() || isProjectionStream(t.stream) {
		return t.String()
	}
	return metricCategory(t.stream)
}

func (t Target) validate() error {
	switch t.kind {
	case targetAll:
		return nil
	case targetStream:
		if t.stream == "" {
			return invalidArgument("subscription stream is empty")
		}
		return nil
	}
	return invalidArgument("unknown subscription target")
}

func (t Target) match(r *record, withProjected bool) []ResolvedEvent {
	if t.isAll() {
		if withProjected {
			return append([]ResolvedEvent{r.resolved()}, r.projections()...)
		}
		return []ResolvedEvent{r.resolved()}
	}
	switch {
	case t.stream == r.StreamName:
		return []ResolvedEvent{r.resolved()}
	case r.category != "" && t.stream == CategoryStream(r.category):
		c, _ := r.categoryCopy()
		return []ResolvedEvent{c}
	case t.stream == EventTypeStream(r.EventType):
		return []ResolvedEvent{r.typeCopy()}
	}
	return nil
}

// === options ===

type (
	subscribeOpts struct {
		name      string
		projected bool
		maxQueue  int
	}

	SubscribeOption interface {
		applyToSubscribe(*subscribeOpts)
	}

	ProjectedEventsOption  struct{}
	MaxQueueOption         valueOption[int]
	SubscriptionNameOption valueOption[string]
)

// WithProjectedEvents makes an AllTarget subscription also receive the
// category and event-type copies of every event, right after the event.
func WithProjectedEvents() ProjectedEventsOption { return ProjectedEventsOption{} }

// WithMaxQueue drops the subscription with ErrSubscriptionOverflow once
// more than n events wait for delivery. Zero means unbounded.
func WithMaxQueue(n int) MaxQueueOption                    { return MaxQueueOption{v: n} }
func WithSubscriptionName(n string) SubscriptionNameOption { return SubscriptionNameOption{v: n} }

func (ProjectedEventsOption) applyToSubscribe(o *subscribeOpts)    { o.projected = true }
func (o MaxQueueOption) applyToSubscribe(s *subscribeOpts)         { s.maxQueue = o.v }
func (o SubscriptionNameOption) applyToSubscribe(s *subscribeOpts) { s.name = o.v }

// === subscription ===

type SubscriptionState int32

const (
	SubscriptionCatchingUp SubscriptionState = iota
	SubscriptionLive
	SubscriptionCancelled
	SubscriptionDropped
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionCatchingUp:
		return "catching_up"
	case SubscriptionLive:
		return "live"
	case SubscriptionCancelled:
		return "cancelled"
	case SubscriptionDropped:
		return "dropped"
	}
	return "unknown"
}

// Delivery is passed to a subscriber for every event.
type Delivery struct {
	Event ResolvedEvent
	// Live is false while the subscription replays history.
	Live         bool
	Subscription *Subscription
}

// DeliverFunc handles one delivery. Errors and panics are logged and do
// not stop the subscription.
type DeliverFunc func(ctx context.Context, d Delivery) error

// Subscription delivers events to a DeliverFunc on its own goroutine, in
// commit order, each event exactly once.
type Subscription struct {
	id        string
	name      string
	target    Target
	store     *Store
	fn        DeliverFunc
	log       *slog.Logger
	projected bool
	maxQueue  int

	catchUp bool
	from    int64
	// hw is the last position committed when the subscription registered.
	// Replay covers positions up to hw and live delivery everything after.
	hw uint64

	ctx    context.Context
	cancel context.CancelFunc

	qmu    sync.Mutex
	queue  []ResolvedEvent
	err    error
	notify chan struct{}

	// dmu is held from the stopped check until the DeliverFunc returns.
	dmu        sync.Mutex
	inCallback atomic.Bool

	state    atomic.Int32
	stopped  atomic.Bool
	stopOnce sync.Once
	live     chan struct{}
	liveOnce sync.Once
	done     chan struct{}
}

func (s *Subscription) ID() string                { return s.id }
func (s *Subscription) Name() string              { return s.name }
func (s *Subscription) Target() Target            { return s.target }
func (s *Subscription) State() SubscriptionState  { return SubscriptionState(s.state.Load()) }
func (s *Subscription) Done() <-chan struct{}     { return s.done }
func (s *Subscription) LiveChan() <-chan struct{} { return s.live }

// HighWaterMark is the last position committed when the subscription was
// registered.
func (s *Subscription) HighWaterMark() uint64 { return s.hw }

// Err returns the reason the subscription was dropped, nil otherwise.
func (s *Subscription) Err() error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.err
}

// Cancel stops the subscription. It is idempotent and may be called from
// the subscription's own DeliverFunc. After Cancel returns no further
// invocation starts; one that is already running on the worker may
// finish. Use Close or Done to wait for it.
func (s *Subscription) Cancel() {
	s.stop(SubscriptionCancelled, nil)
	if !s.inCallback.Load() {
		// wait out a delivery that passed the stopped check
		s.dmu.Lock()
		s.dmu.Unlock()
	}
}

// Close cancels the subscription and waits for its worker to exit. It must
// not be called from the subscription's own DeliverFunc.
func (s *Subscription) Close() {
	s.Cancel()
	<-s.done
}

func (s *Subscription) stop(state SubscriptionState, err error) {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.qmu.Lock()
		s.err = err
		s.queue = nil
		s.qmu.Unlock()
		s.state.Store(int32(state))
		s.store.subs.remove(s.id)
		s.cancel()

		if err != nil {
			s.store.metrics.SubscriptionDropped(s.target.metricLabel())
			s.log.Warn("subscription dropped", slog.Any("error", err))
		} else {
			s.log.Debug("subscription cancelled")
		}
	})
}

// enqueue reports whether the queue overflowed.
func (s *Subscription) enqueue(evs []ResolvedEvent) (overflow bool) {
	if len(evs) == 0 {
		return false
	}
	s.qmu.Lock()
	if s.stopped.Load() {
		s.qmu.Unlock()
		return false
	}
	if s.maxQueue > 0 && len(s.queue)+len(evs) > s.maxQueue {
		s.qmu.Unlock()
		return true
	}
	s.queue = append(s.queue, evs...)
	s.qmu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return false
}

func (s *Subscription) drain() []ResolvedEvent {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *Subscription) goLive() {
	s.state.CompareAndSwap(int32(SubscriptionCatchingUp), int32(SubscriptionLive))
	s.liveOnce.Do(func() { close(s.live) })
}

func (s *Subscription) run() {
	defer close(s.done)

	if s.catchUp {
		cursor := s.from
		for {
			page, next, done := s.store.history(s.target, cursor, s.hw, s.store.pageSize, s.projected)
			for _, ev := range page {
				if !s.deliver(ev, false) {
					return
				}
			}
			if done || s.stopped.Load() {
				break
			}
			cursor = next
		}
		if s.stopped.Load() {
			return
		}
		s.log.Debug("caught up", slog.Uint64("high_water_mark", s.hw))
	}
	s.goLive()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}
		for _, ev := range s.drain() {
			if ev.Position <= s.hw || s.before(ev) {
				continue
			}
			if !s.deliver(ev, true) {
				return
			}
		}
	}
}

// before reports whether ev precedes the catch-up start. from is compared
// with the position for AllTarget and with the event number in the target
// stream otherwise.
func (s *Subscription) before(ev ResolvedEvent) bool {
	if !s.catchUp {
		return false
	}
	if s.target.isAll() {
		return int64(ev.Position) < s.from
	}
	return ev.OriginalEventNumber() < s.from
}

// deliver reports whether the subscription is still running.
func (s *Subscription) deliver(ev ResolvedEvent, live bool) bool {
	s.dmu.Lock()
	if s.stopped.Load() {
		s.dmu.Unlock()
		return false
	}
	s.inCallback.Store(true)
	ok := s.invoke(ev, live)
	s.inCallback.Store(false)
	s.dmu.Unlock()

	s.store.metrics.SubscriptionDelivered(s.target.metricLabel(), live, ok)
	return !s.stopped.Load()
}

func (s *Subscription) invoke(ev ResolvedEvent, live bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", ev.SlogAttr(), slog.Any("panic", r))
			ok = false
		}
	}()
	if err := s.fn(s.ctx, Delivery{Event: ev, Live: live, Subscription: s}); err != nil {
		s.log.Error("subscriber failed", ev.SlogAttr(), slog.Any("error", err))
		return false
	}
	return true
}

// === manager ===

type subscriptionManager struct {
	store *Store
	mu    sync.RWMutex
	subs  map[string]*Subscription
}

func newSubscriptionManager(s *Store) *subscriptionManager {
	return &subscriptionManager{store: s, subs: map[string]*Subscription{}}
}

func (m *subscriptionManager) add(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.id] = sub
}

func (m *subscriptionManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

func (m *subscriptionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// publish hands committed records to every subscriber's queue. It never
// waits for a subscriber.
func (m *subscriptionManager) publish(recs []*record) {
	var overflowed []*Subscription

	m.mu.RLock()
	for _, sub := range m.subs {
		var evs []ResolvedEvent
		for _, r := range recs {
			evs = append(evs, sub.target.match(r, sub.projected)...)
		}
		if sub.enqueue(evs) {
			overflowed = append(overflowed, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range overflowed {
		sub.stop(SubscriptionDropped, ErrSubscriptionOverflow)
	}
}

func (m *subscriptionManager) dropAll(err error) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.stop(SubscriptionDropped, err)
	}
}

// === store api ===

// SubscribeLive delivers events of target committed after the call. The
// subscription ends when ctx is done or it is cancelled.
func (s *Store) SubscribeLive(ctx context.Context, target Target, fn DeliverFunc, opts ...SubscribeOption) (*Subscription, error) {
	return s.subscribe(ctx, target, fn, false, 0, opts...)
}

// SubscribeCatchUp delivers every event of target starting at from, then
// continues live. from is an event number for stream targets and a global
// position for AllTarget.
func (s *Store) SubscribeCatchUp(
	ctx context.Context,
	target Target,
	from int64,
	fn DeliverFunc,
	opts ...SubscribeOption,
) (*Subscription, error) {
	if from < 0 {
		return nil, invalidArgument("catch-up start %d out of range", from)
	}
	return s.subscribe(ctx, target, fn, true, from, opts...)
}

func (s *Store) subscribe(
	ctx context.Context,
	target Target,
	fn DeliverFunc,
	catchUp bool,
	from int64,
	opts ...SubscribeOption,
) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := target.validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, invalidArgument("deliver func is nil")
	}

	options := subscribeOpts{}
	for _, opt := range opts {
		opt.applyToSubscribe(&options)
	}

	id := gonanoid.Must(8)
	if options.name == "" {
		options.name = fmt.Sprintf("sub-%s", id)
	}

	sub := &Subscription{
		id:        id,
		name:      options.name,
		target:    target,
		store:     s,
		fn:        fn,
		projected: options.projected && target.isAll(),
		maxQueue:  options.maxQueue,
		catchUp:   catchUp,
		from:      from,
		notify:    make(chan struct{}, 1),
		live:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	sub.ctx, sub.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sub.log = s.log.With(
		slog.Group(
			"subscription",
			slog.String("name", sub.name),
			slog.String("target", target.String()),
			slog.Bool("catch_up", catchUp),
		),
	)

	// Registration is serialized with writes: every commit is either below
	// the high-water mark or published to the new queue.
	s.writeMu.Lock()
	if s.isClosed() {
		s.writeMu.Unlock()
		return nil, ErrStoreClosed
	}
	sub.hw = s.LastPosition()
	s.subs.add(sub)
	s.writeMu.Unlock()

	go sub.run()
	context.AfterFunc(ctx, sub.Cancel)

	sub.log.Debug("subscribed", slog.Int64("from", from), slog.Uint64("high_water_mark", sub.hw))
	return sub, nil
}
