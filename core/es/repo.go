package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/codewandler/esdb-go/core/perkey"
)

// StreamStore is the part of the store the repository needs.
type StreamStore interface {
	Append(ctx context.Context, stream string, expected ExpectedVersion, events ...EventData) (*AppendResult, error)
	ReadForward(ctx context.Context, stream string, start int64, count int) (*Slice, error)
}

var _ StreamStore = (*Store)(nil)

// EventMetadata is stored with every event the repository appends.
type EventMetadata struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// DecodeMetadata returns the repository metadata of ev, if any.
func DecodeMetadata(ev RecordedEvent) (EventMetadata, bool) {
	var md EventMetadata
	if len(ev.Metadata) == 0 || json.Unmarshal(ev.Metadata, &md) != nil {
		return EventMetadata{}, false
	}
	return md, md.AggregateID != ""
}

type Repository interface {
	// Load rehydrates agg, whose ID must be set, from its stream.
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	// TryLoad is Load that reports a missing aggregate as false instead of
	// ErrAggregateNotFound.
	TryLoad(ctx context.Context, agg Aggregate, opts ...LoadOption) (bool, error)
	Save(ctx context.Context, agg Aggregate) error
	StreamName(agg Aggregate) string
}

// repository rehydrates aggregates and persists new events with optimistic concurrency.
type repository struct {
	log         *slog.Logger
	store       StreamStore
	registry    *EventRegistry
	names       StreamNameBuilder
	pageSize    int
	idGenerator IDGenerator
	metrics     ESMetrics
}

func NewRepository(
	store StreamStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)
	return &repository{
		log:         options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:       store,
		registry:    registry,
		names:       options.names,
		pageSize:    options.pageSize,
		idGenerator: options.idGenerator,
		metrics:     options.metrics,
	}
}

func (r *repository) StreamName(agg Aggregate) string {
	return r.names.ForAggregate(agg.GetAggType(), agg.GetID())
}

func validateAggregate(agg Aggregate) error {
	if agg.GetAggType() == "" {
		return invalidArgument("aggregate type is empty")
	}
	if agg.GetID() == "" {
		return invalidArgument("aggregate id is empty")
	}
	return nil
}

// Load applies the aggregate's events in pages. Loading continues from the
// aggregate's current version, so an already loaded aggregate is brought
// up to date. With WithMaxVersion(n) at most the first n events are
// applied.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	if err := validateAggregate(agg); err != nil {
		return err
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	loadOptions := newLoadOptions(opts...)
	if loadOptions.maxSet && loadOptions.maxVersion <= 0 {
		return invalidArgument("max version must be positive, got %d", loadOptions.maxVersion)
	}

	var (
		aggType = agg.GetAggType()
		aggID   = agg.GetID()
		stream  = r.StreamName(agg)
		log     = r.log.With(
			slog.Group(
				"agg",
				slog.String("type", aggType),
				slog.String("id", aggID),
				slog.Int64("version", agg.GetVersion()),
			),
		)
	)
	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	start := agg.GetVersion() + 1
	for {
		count := r.pageSize
		if loadOptions.maxSet {
			count = min(count, loadOptions.maxVersion-int(start))
			if count <= 0 {
				break
			}
		}

		slice, err := r.store.ReadForward(ctx, stream, start, count)
		if err != nil {
			if errors.Is(err, ErrStreamNotFound) {
				return fmt.Errorf("%w: %s %s", ErrAggregateNotFound, aggType, aggID)
			}
			return err
		}

		for _, ev := range slice.Events {
			if want := agg.GetVersion() + 1; ev.EventNumber != want {
				return fmt.Errorf("stream %q: expected event %d, got %d", stream, want, ev.EventNumber)
			}
			evt, err := r.registry.Decode(ev.RecordedEvent)
			if err != nil {
				return err
			}
			if err := agg.Apply(evt); err != nil {
				return fmt.Errorf("apply %s to %s %s: %w", ev.EventType, aggType, aggID, err)
			}
			agg.setVersion(ev.EventNumber)
		}

		if slice.IsEndOfStream {
			break
		}
		start = slice.NextEventNumber
	}

	if loadOptions.maxSet && agg.GetVersion()+1 < int64(loadOptions.maxVersion) {
		return &VersionRangeError{
			Stream:    stream,
			Requested: loadOptions.maxVersion,
			Available: int(agg.GetVersion() + 1),
		}
	}

	log.Debug("loaded", slog.Int64("loaded_version", agg.GetVersion()))
	return nil
}

func (r *repository) TryLoad(ctx context.Context, agg Aggregate, opts ...LoadOption) (bool, error) {
	err := r.Load(ctx, agg, opts...)
	if errors.Is(err, ErrAggregateNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Save appends the aggregate's uncommitted events, expecting the stream to
// be at the aggregate's version. On success the events are cleared and the
// version advances; on failure the aggregate is left untouched.
func (r *repository) Save(ctx context.Context, agg Aggregate) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	if err := validateAggregate(agg); err != nil {
		return err
	}

	var (
		aggType  = agg.GetAggType()
		aggID    = agg.GetID()
		stream   = r.StreamName(agg)
		expected = ExpectNoStream
		now      = time.Now().UTC()
	)
	if v := agg.GetVersion(); v >= 0 {
		expected = ExpectVersion(v)
	}
	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	md, err := json.Marshal(EventMetadata{AggregateType: aggType, AggregateID: aggID, OccurredAt: now})
	if err != nil {
		return err
	}

	events := make([]EventData, 0, len(uncommitted))
	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %T: %w", ev, err)
		}
		events = append(events, EventData{
			ID:       r.idGenerator(),
			Type:     EventTypeOf(ev),
			IsJSON:   true,
			Data:     data,
			Metadata: md,
		})
	}

	res, err := r.store.Append(ctx, stream, expected, events...)
	if err != nil {
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}

	agg.setVersion(res.NextExpectedVersion)
	agg.ClearUncommitted()

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("id", aggID),
			slog.String("type", aggType),
			slog.Int64("version", agg.GetVersion()),
		),
		expected.SlogAttr(),
		slog.Uint64("position", res.LastPosition),
		slog.Int("num_events", len(events)),
	)

	return nil
}

var _ Repository = &repository{}

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(id string) T
	GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	TryGetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, bool, error)
	GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	Create(ctx context.Context, aggID string) (T, error)
	Save(ctx context.Context, agg T) error
	// WithTransaction loads the aggregate, runs fn and saves the result.
	// Transactions on the same ID within this repository run one at a
	// time. Conflicts with other writers are returned, not retried.
	WithTransaction(ctx context.Context, aggID string, fn func(T) error, opts ...WithTransactionOption) error
}

type typedRepo[T Aggregate] struct {
	r     Repository
	log   *slog.Logger
	locks *perkey.Locker[string]
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, invalidArgument("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		var zero T
		return zero, err
	}
	return a, nil
}

func (t *typedRepo[T]) TryGetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, ok bool, err error) {
	if aggID == "" {
		return a, false, invalidArgument("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	ok, err = t.r.TryLoad(ctx, a, opts...)
	if !ok {
		var zero T
		return zero, false, err
	}
	return a, true, nil
}

func (t *typedRepo[T]) Create(ctx context.Context, aggID string) (a T, err error) {
	a = t.NewWithID(aggID)
	if err = a.Create(aggID); err != nil {
		return a, err
	}
	if err = t.Save(ctx, a); err != nil {
		return a, err
	}
	t.log.Debug("created", slog.String("id", aggID))
	return a, nil
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	a, ok, err := t.TryGetByID(ctx, aggID, opts...)
	if err != nil || ok {
		return a, err
	}
	return t.Create(ctx, aggID)
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T) error { return t.r.Save(ctx, agg) }

func (t *typedRepo[T]) WithTransaction(
	ctx context.Context,
	aggID string,
	fn func(T) error,
	opts ...WithTransactionOption,
) error {
	options := newWithTransactionOptions(opts...)
	return t.locks.Do(ctx, aggID, func() error {
		var (
			a   T
			err error
		)
		if options.create {
			a, err = t.GetOrCreate(ctx, aggID, options.loadOpts...)
		} else {
			a, err = t.GetByID(ctx, aggID, options.loadOpts...)
		}
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		return t.Save(ctx, a)
	})
}

func (t *typedRepo[T]) GetAggType() string {
	a := t.New()
	return a.GetAggType()
}

func NewTypedRepository[T Aggregate](s StreamStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	r := NewRepository(s, reg, opts...)
	return NewTypedRepositoryFrom[T](newRepoOpts(opts...).log, r)
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	return &typedRepo[T]{
		r:     r,
		log:   log.With(slog.String("repo", fmt.Sprintf("%T", *new(T)))),
		locks: perkey.New[string](),
	}
}
