package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// Env wires a store, an event registry, a repository and consumers that
// share one logger and one metrics sink.
type Env struct {
	ctx          context.Context
	id           string
	shutdownOnce sync.Once
	shutdownErr  error
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	metrics      ESMetrics
	store        *Store
	registry     *EventRegistry
	repo         Repository

	mu        sync.Mutex
	consumers []*Consumer
}

func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Store() *Store            { return e.store }
func (e *Env) Registry() *EventRegistry { return e.registry }
func (e *Env) Context() context.Context { return e.ctx }
func (e *Env) Log() *slog.Logger        { return e.log }
func (e *Env) Metrics() ESMetrics       { return e.metrics }

// NewEnv opens the store, which replays its backend, registers the events
// of all aggregates and starts the configured consumers. Each consumer has
// caught up when NewEnv returns. The backend is closed when NewEnv fails.
func NewEnv(opts ...EnvOption) (e *Env, err error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	// ctx
	ctx := options.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// log
	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	e = &Env{
		id:        id,
		log:       log,
		metrics:   options.metrics,
		registry:  NewRegistry(),
		consumers: make([]*Consumer, 0),
	}
	e.ctx, e.cancelCtx = context.WithCancel(ctx)

	storeOpts := append([]StoreOption{WithLog(log), WithMetrics(options.metrics)}, options.storeOpts...)
	e.store, err = Open(e.ctx, storeOpts...)
	if err != nil {
		e.cancelCtx()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	for _, agg := range options.aggregates {
		agg.Register(e.registry)
		e.log.Debug("registered aggregate", slog.String("type", fmt.Sprintf("%T", agg)))
	}

	// register events
	RegisterEventFor[AggregateCreatedEvent](e.registry)
	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", slog.String("type", s.t))
	}

	// create repository
	e.repo = NewRepository(
		e.store,
		e.registry,
		append([]RepositoryOption{
			WithLog(e.log),
			WithMetrics(e.metrics),
			WithReadPageSize(e.store.pageSize),
		}, options.repoOpts...)...,
	)

	// start all consumers
	for _, c := range options.consumers {
		if _, err := e.StartConsumer(e.ctx, c.handler, c.consumerOpts...); err != nil {
			_ = e.Shutdown()
			return nil, fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	e.log.Info(
		"env started",
		slog.Int("consumers", len(e.consumers)),
		slog.Uint64("position", e.store.LastPosition()),
	)

	return e, nil
}

// Shutdown stops all consumers and closes the store.
func (e *Env) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.log.Info("shutting down")

		e.mu.Lock()
		consumers := e.consumers
		e.consumers = nil
		e.mu.Unlock()

		e.log.Debug("stopping consumers", slog.Int("count", len(consumers)))
		var g errgroup.Group
		for _, c := range consumers {
			g.Go(func() error {
				c.Stop()
				return nil
			})
		}
		_ = g.Wait()

		e.cancelCtx()
		e.shutdownErr = e.store.Close()

		// we are done
		e.log.Info("env shutdown")
	})
	return e.shutdownErr
}

// NewConsumer creates a consumer on the env's store. It is not started.
func (e *Env) NewConsumer(handler Handler, opts ...ConsumerOption) *Consumer {
	return NewConsumer(
		e.store,
		e.registry,
		handler,
		WithLog(e.log),
		WithMetrics(e.metrics),
		WithConsumerOpts(opts...),
	)
}

// StartConsumer creates a consumer, starts it and stops it on Shutdown.
func (e *Env) StartConsumer(ctx context.Context, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	c := e.NewConsumer(handler, opts...)
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return nil, err
	}
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
	return c, nil
}

// Append marshals events to JSON and appends them to stream. Event types
// are derived with EventTypeOf.
func (e *Env) Append(ctx context.Context, stream string, expected ExpectedVersion, events ...any) (*AppendResult, error) {
	data := make([]EventData, 0, len(events))
	for _, ev := range events {
		d, err := NewJSONEvent(EventTypeOf(ev), ev)
		if err != nil {
			return nil, err
		}
		data = append(data, d)
	}
	return e.store.Append(ctx, stream, expected, data...)
}

// TypedRepositoryOf returns a typed repository backed by the env's
// repository.
func TypedRepositoryOf[T Aggregate](e *Env) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](e.log, e.repo)
}
