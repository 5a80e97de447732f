package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Decoder turns a recorded event into its Go value.
type Decoder interface {
	Decode(ev RecordedEvent) (any, error)
}

// Subscriber is the part of the store a Consumer needs.
type Subscriber interface {
	SubscribeCatchUp(ctx context.Context, target Target, from int64, fn DeliverFunc, opts ...SubscribeOption) (*Subscription, error)
}

var _ Subscriber = (*Store)(nil)

// MsgCtx provides context for handling a single event: the recorded event,
// its decoded value and whether the consumer is live or still catching up.
type MsgCtx struct {
	ctx    context.Context
	log    *slog.Logger
	ev     ResolvedEvent
	evt    any
	live   bool
	cursor int64
}

func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Live() bool               { return c.live }
func (c MsgCtx) Resolved() ResolvedEvent  { return c.ev }
func (c MsgCtx) Recorded() RecordedEvent  { return c.ev.RecordedEvent }
func (c MsgCtx) Position() uint64         { return c.ev.Position }
func (c MsgCtx) Type() string             { return c.ev.EventType }
func (c MsgCtx) StreamName() string       { return c.ev.StreamName }
func (c MsgCtx) EventNumber() int64       { return c.ev.EventNumber }

// Event returns the decoded event, nil if its type is not registered.
func (c MsgCtx) Event() any { return c.evt }

// Cursor is the value checkpoints store for this event: the position for
// $all consumers, the event number in the subscribed stream otherwise.
func (c MsgCtx) Cursor() int64 { return c.cursor }

// Metadata returns the repository metadata of the event, if present.
func (c MsgCtx) Metadata() (EventMetadata, bool) { return DecodeMetadata(c.ev.RecordedEvent) }

// Consumer feeds the events of a target through a Handler. It resumes from
// the handler's checkpoint and reports when it has caught up.
type Consumer struct {
	store     Subscriber
	decoder   Decoder
	handler   Handler
	target    Target
	log       *slog.Logger
	name      string
	metrics   ESMetrics
	subOpts   []SubscribeOption
	opts      consumerOpts
	sub       *Subscription
	isLive    atomic.Bool
	stopOnce  sync.Once
	startOnce sync.Once
}

func NewConsumer(
	store Subscriber,
	decoder Decoder,
	handler Handler,
	opts ...ConsumerOption,
) *Consumer {
	options := newConsumerOpts(opts...)
	return &Consumer{
		log:     options.log.With(slog.String("consumer", options.name)),
		store:   store,
		decoder: decoder,
		handler: applyMiddlewares(handler, options.mws),
		target:  options.target,
		name:    options.name,
		metrics: options.metrics,
		subOpts: options.subOpts,
		opts:    options,
	}
}

func (c *Consumer) Name() string { return c.name }
func (c *Consumer) Live() bool   { return c.isLive.Load() }

func (c *Consumer) cursorOf(ev ResolvedEvent) int64 {
	if c.target.isAll() {
		return int64(ev.Position)
	}
	return ev.OriginalEventNumber()
}

func (c *Consumer) handle(ctx context.Context, d Delivery) error {
	ev := d.Event
	defer c.metrics.ConsumerEventDuration(ev.EventType, d.Live).ObserveDuration()

	evt, err := c.decoder.Decode(ev.RecordedEvent)
	if err != nil && !errors.Is(err, ErrUnknownEventType) {
		c.metrics.ConsumerEventProcessed(ev.EventType, d.Live, false)
		return fmt.Errorf("failed to decode event: %w", err)
	}

	msgCtx := MsgCtx{
		ctx:    ctx,
		ev:     ev,
		evt:    evt,
		live:   d.Live,
		cursor: c.cursorOf(ev),
		log:    c.log.With(ev.SlogAttr()),
	}
	if err := c.handler.Handle(msgCtx); err != nil {
		c.metrics.ConsumerEventProcessed(ev.EventType, d.Live, false)
		return fmt.Errorf("failed to handle event: %w", err)
	}
	c.metrics.ConsumerEventProcessed(ev.EventType, d.Live, true)

	if !d.Live {
		c.metrics.ConsumerLag(c.name, int64(d.Subscription.HighWaterMark())-int64(ev.Position))
	} else {
		c.metrics.ConsumerLag(c.name, 0)
	}
	return nil
}

// Start subscribes from the handler's checkpoint and blocks until the
// consumer has caught up with the events committed before the call.
func (c *Consumer) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Consumer) start(ctx context.Context) error {
	c.log.Info("starting event consumer", slog.String("handler", fmt.Sprintf("%T", c.handler)))

	if lc, ok := c.handler.(HandlerLifecycleStart); ok {
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer lifecycle: %w", err)
		}
		c.log.Debug("handler started")
	}

	var from int64
	if cp, ok := c.handler.(Checkpoint); ok {
		last, err := cp.LastCursor()
		switch {
		case errors.Is(err, ErrCheckpointNotFound):
		case err != nil:
			return err
		default:
			from = last + 1
		}
	}

	c.log.Info("subscribing", slog.String("target", c.target.String()), slog.Int64("from", from))

	sub, err := c.store.SubscribeCatchUp(
		ctx,
		c.target,
		from,
		func(ctx context.Context, d Delivery) error {
			if d.Live && !c.isLive.Load() {
				c.isLive.Store(true)
			}
			return c.handle(ctx, d)
		},
		append([]SubscribeOption{WithSubscriptionName(c.name)}, c.subOpts...)...,
	)
	if err != nil {
		return err
	}
	c.sub = sub

	c.log.Debug("started, waiting until live")
	select {
	case <-sub.LiveChan():
		c.isLive.Store(true)
		c.log.Debug("became live")
		return nil
	case <-sub.Done():
		if err := sub.Err(); err != nil {
			return err
		}
		return context.Cause(ctx)
	case <-ctx.Done():
		sub.Cancel()
		return ctx.Err()
	}
}

// Stop cancels the subscription, waits for the in-flight event and shuts
// the handler down.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.sub == nil {
			return
		}
		c.sub.Close()

		if lc, ok := c.handler.(HandlerLifecycleShutdown); ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), c.opts.shutdownTimeout)
			defer cancel()
			if err := lc.Shutdown(shutdownCtx); err != nil {
				c.log.Error("failed to shutdown consumer lifecycle", slog.Any("error", err))
			}
		}
		c.log.Info("stopped")
	})
}
