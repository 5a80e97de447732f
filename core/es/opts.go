package es

import (
	"context"
	"log/slog"
	"time"
)

type (
	valueOption[T any]  struct{ v T }
	MultiOption[T any]  struct{ opts []T }
	BackendOption       valueOption[Backend]
	ReadPageSizeOption  valueOption[int]
	ClockOption         valueOption[func() time.Time]
	CpStoreOption       valueOption[CpStore]
	ContextOption       struct{ ctx context.Context }
	MemoryOption        struct{}
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	LogOption struct {
		l *slog.Logger
	}
	AggregateOption struct {
		aggregates []Aggregate
	}
	EnvOpts MultiOption[EnvOption]
)

// WithBackend sets the persistence backend of the store.
func WithBackend(b Backend) BackendOption { return BackendOption{v: b} }
func WithInMemory() MemoryOption          { return MemoryOption{} }

// WithReadPageSize bounds the number of events read per page by catch-up
// subscriptions and aggregate loads.
func WithReadPageSize(n int) ReadPageSizeOption { return ReadPageSizeOption{v: n} }
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

// WithCheckpointStore makes a consumer record its progress in cps and
// resume from it on start.
func WithCheckpointStore(cps CpStore) CpStoreOption { return CpStoreOption{v: cps} }
func WithEvent[T any]() EventRegisterOption {
	return EventRegisterOption{t: EventTypeOf(new(T)), ctor: func() any { return any(new(T)) }}
}
func WithCtx(ctx context.Context) ContextOption     { return ContextOption{ctx: ctx} }
func WithLog(l *slog.Logger) LogOption              { return LogOption{l: l} }
func WithAggregates(a ...Aggregate) AggregateOption { return AggregateOption{aggregates: a} }
func WithEnvOpts(opts ...EnvOption) EnvOpts         { return EnvOpts{opts: opts} }

// === store ===

func (o BackendOption) applyToStore(s *storeOpts)      { s.backend = o.v }
func (o MemoryOption) applyToStore(s *storeOpts)       { s.backend = NewMemoryBackend() }
func (o ReadPageSizeOption) applyToStore(s *storeOpts) { s.pageSize = o.v }
func (o ClockOption) applyToStore(s *storeOpts)        { s.now = o.v }
func (o LogOption) applyToStore(s *storeOpts)          { s.log = o.l }

// === env ===

func (o BackendOption) applyToEnv(e *envOptions)      { e.storeOpts = append(e.storeOpts, o) }
func (o MemoryOption) applyToEnv(e *envOptions)       { e.storeOpts = append(e.storeOpts, o) }
func (o ReadPageSizeOption) applyToEnv(e *envOptions) { e.storeOpts = append(e.storeOpts, o) }
func (o ClockOption) applyToEnv(e *envOptions)        { e.storeOpts = append(e.storeOpts, o) }
func (o EventRegisterOption) applyToEnv(e *envOptions) {
	e.events = append(e.events, o)
}
func (o ContextOption) applyToEnv(e *envOptions) { e.ctx = o.ctx }
func (o LogOption) applyToEnv(e *envOptions)     { e.log = o.l }
func (o AggregateOption) applyToEnv(e *envOptions) {
	e.aggregates = append(e.aggregates, o.aggregates...)
}
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}

