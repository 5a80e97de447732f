package es

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const defaultReadPageSize = 500

type (
	storeOpts struct {
		log      *slog.Logger
		backend  Backend
		metrics  ESMetrics
		pageSize int
		now      func() time.Time
	}

	StoreOption interface {
		applyToStore(*storeOpts)
	}
)

func newStoreOpts(opts ...StoreOption) storeOpts {
	options := storeOpts{
		log:      slog.Default(),
		backend:  NewMemoryBackend(),
		metrics:  NopESMetrics(),
		pageSize: defaultReadPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	if options.pageSize <= 0 {
		options.pageSize = defaultReadPageSize
	}
	return options
}

// Store is an embedded event store. Writes are serialized and committed to
// the backend before they become visible to readers and subscribers.
//
// Readers take a short read lock on the in-memory index and never wait on
// backend I/O.
type Store struct {
	id       string
	log      *slog.Logger
	backend  Backend
	metrics  ESMetrics
	pageSize int
	now      func() time.Time

	// writeMu serializes appends, deletes and subscription registration.
	writeMu sync.Mutex

	// mu guards the in-memory index.
	mu      sync.RWMutex
	streams map[string][]*record
	all     []*record
	proj    *projectionIndex
	closed  bool

	subs *subscriptionManager
}

// Open creates a store and replays the backend into memory. The store
// accepts writes only after the replay completed.
//
// The store owns the backend: Close closes it, and so does Open when the
// replay fails.
func Open(ctx context.Context, opts ...StoreOption) (*Store, error) {
	options := newStoreOpts(opts...)
	s := &Store{
		id:       gonanoid.Must(6),
		backend:  options.backend,
		metrics:  options.metrics,
		pageSize: options.pageSize,
		now:      options.now,
		streams:  map[string][]*record{},
		proj:     newProjectionIndex(),
	}
	s.log = options.log.With(slog.String("store", s.id))
	s.subs = newSubscriptionManager(s)

	replayAt := time.Now()
	var entries int
	err := s.backend.Replay(ctx, func(e Entry) error {
		entries++
		return s.replayEntry(e)
	})
	if err != nil {
		if cerr := s.backend.Close(); cerr != nil {
			s.log.Warn("failed to close backend", slog.Any("error", cerr))
		}
		return nil, &IOError{Op: "replay", Err: err}
	}

	s.log.Debug(
		"opened",
		slog.Int("entries", entries),
		slog.Int("events", len(s.all)),
		slog.Int("streams", len(s.streams)),
		slog.Duration("replay", time.Since(replayAt)),
	)
	return s, nil
}

// NewInMemoryStore returns an ephemeral store.
func NewInMemoryStore(opts ...StoreOption) *Store {
	s, err := Open(context.Background(), append(opts, WithInMemory())...)
	if err != nil {
		panic(fmt.Sprintf("open memory store: %v", err))
	}
	return s
}

func (s *Store) replayEntry(e Entry) error {
	switch e.Kind {
	case EntryAppend:
		recs := make([]*record, len(e.Events))
		for i, ev := range e.Events {
			if want := uint64(len(s.all) + i + 1); ev.Position != want {
				return fmt.Errorf("corrupt log: position %d, expected %d", ev.Position, want)
			}
			recs[i] = &record{RecordedEvent: ev}
		}
		for _, r := range recs {
			if want := int64(len(s.streams[r.StreamName])); r.EventNumber != want {
				return fmt.Errorf("corrupt log: stream %q event %d, expected %d", r.StreamName, r.EventNumber, want)
			}
			s.applyLocked(r)
		}
	case EntryDelete:
		s.deleteLocked(e.Stream)
	default:
		return fmt.Errorf("corrupt log: unknown entry kind %d", e.Kind)
	}
	return nil
}

// applyLocked indexes r. Callers hold mu or run before the store is shared.
func (s *Store) applyLocked(r *record) {
	s.streams[r.StreamName] = append(s.streams[r.StreamName], r)
	s.all = append(s.all, r)
	s.proj.add(r)
}

func (s *Store) deleteLocked(stream string) {
	for _, r := range s.streams[stream] {
		r.deleted = true
	}
	delete(s.streams, stream)
}

// versionOf returns the last event number of stream, -1 if it has none.
// Callers hold writeMu or mu.
func (s *Store) versionOf(stream string) int64 {
	return int64(len(s.streams[stream])) - 1
}

func (s *Store) lastPosition() uint64 { return uint64(len(s.all)) }

func validateWriteTarget(stream string) error {
	if stream == "" {
		return invalidArgument("stream name is empty")
	}
	if IsSystemStream(stream) {
		return fmt.Errorf("%w: %q", ErrProtectedStream, stream)
	}
	return nil
}

// Append writes events to the end of stream if expected matches the
// stream's current version. The batch is atomic.
func (s *Store) Append(
	ctx context.Context,
	stream string,
	expected ExpectedVersion,
	events ...EventData,
) (*AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateWriteTarget(stream); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if !expected.valid() {
		return nil, invalidArgument("expected version %d", int64(expected))
	}
	for i, ev := range events {
		if ev.Type == "" {
			return nil, invalidArgument("event %d has no type", i)
		}
	}

	category := metricCategory(stream)
	defer s.metrics.StoreAppendDuration(category).ObserveDuration()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	current := s.versionOf(stream)
	if !expected.satisfiedBy(current) {
		s.metrics.ConcurrencyConflict(category)
		return nil, &ConflictError{Stream: stream, Expected: expected, Actual: current}
	}

	var (
		now  = s.now().UTC()
		base = s.lastPosition()
		recs = make([]*record, len(events))
		out  = make([]RecordedEvent, len(events))
	)
	for i, ev := range events {
		id := ev.ID
		if id == "" {
			id = uuid.NewString()
		}
		out[i] = RecordedEvent{
			StreamName:  stream,
			EventNumber: current + 1 + int64(i),
			EventID:     id,
			EventType:   ev.Type,
			IsJSON:      ev.IsJSON,
			Data:        bytes.Clone(ev.Data),
			Metadata:    bytes.Clone(ev.Metadata),
			CreatedAt:   now,
			Position:    base + 1 + uint64(i),
		}
		recs[i] = &record{RecordedEvent: out[i]}
	}

	last := out[len(out)-1]
	if err := s.backend.Commit(ctx, Entry{
		Kind:     EntryAppend,
		Stream:   stream,
		Events:   out,
		Position: last.Position,
	}); err != nil {
		return nil, &IOError{Op: "append", Err: err}
	}

	s.mu.Lock()
	for _, r := range recs {
		s.applyLocked(r)
	}
	s.mu.Unlock()

	s.subs.publish(recs)
	s.metrics.EventsAppended(category, len(recs))

	s.log.Debug(
		"appended",
		slog.String("stream", stream),
		expected.SlogAttr(),
		slog.Int64("version", last.EventNumber),
		slog.Uint64("position", last.Position),
		slog.Int("count", len(recs)),
	)

	return &AppendResult{NextExpectedVersion: last.EventNumber, LastPosition: last.Position}, nil
}

// Delete removes stream and all its events. Deleting a missing stream is a
// no-op unless expected demands that it exists.
func (s *Store) Delete(ctx context.Context, stream string, expected ExpectedVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateWriteTarget(stream); err != nil {
		return err
	}
	if !expected.valid() {
		return invalidArgument("expected version %d", int64(expected))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrStoreClosed
	}

	current := s.versionOf(stream)
	if current < 0 {
		switch expected {
		case ExpectAny, ExpectNoStream, ExpectEmptyStream:
			return nil
		}
		return invalidArgument("stream %q does not exist", stream)
	}

	category := metricCategory(stream)
	if !expected.satisfiedBy(current) {
		s.metrics.ConcurrencyConflict(category)
		return &ConflictError{Stream: stream, Expected: expected, Actual: current}
	}

	if err := s.backend.Commit(ctx, Entry{
		Kind:     EntryDelete,
		Stream:   stream,
		Position: s.lastPosition(),
	}); err != nil {
		return &IOError{Op: "delete", Err: err}
	}

	s.mu.Lock()
	s.deleteLocked(stream)
	s.mu.Unlock()

	s.metrics.StreamDeleted(category)
	s.log.Debug("deleted", slog.String("stream", stream), slog.Int64("version", current))
	return nil
}

// StreamVersion returns the last event number of stream.
func (s *Store) StreamVersion(stream string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if isProjectionStream(stream) {
		rs, ok := s.proj.entries(stream)
		return int64(len(rs)) - 1, ok
	}
	v := s.versionOf(stream)
	return v, v >= 0
}

// LastPosition returns the position of the last committed event, 0 for an
// empty store.
func (s *Store) LastPosition() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPosition()
}

func (s *Store) ReadForward(ctx context.Context, stream string, start int64, count int) (*Slice, error) {
	return s.read(ctx, Forward, stream, start, count)
}

func (s *Store) ReadBackward(ctx context.Context, stream string, start int64, count int) (*Slice, error) {
	return s.read(ctx, Backward, stream, start, count)
}

func (s *Store) read(ctx context.Context, dir ReadDirection, stream string, start int64, count int) (*Slice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stream == "" {
		return nil, invalidArgument("stream name is empty")
	}
	if count <= 0 {
		return nil, invalidArgument("count must be positive, got %d", count)
	}
	if start < 0 && !(dir == Backward && start == StreamEnd) {
		return nil, invalidArgument("start %d out of range", start)
	}

	defer s.metrics.StoreReadDuration(dir).ObserveDuration()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		recs []*record
		ok   bool
	)
	if isProjectionStream(stream) {
		recs, ok = s.proj.entries(stream)
	} else {
		recs, ok = s.streams[stream]
	}
	if !ok || len(recs) == 0 {
		notFound := &Slice{
			Status:          SliceStreamNotFound,
			Stream:          stream,
			Direction:       dir,
			FromEventNumber: start,
			NextEventNumber: StreamEnd,
			LastEventNumber: StreamEnd,
			IsEndOfStream:   true,
		}
		return notFound, fmt.Errorf("%w: %q", ErrStreamNotFound, stream)
	}

	last := int64(len(recs)) - 1
	slice := &Slice{
		Status:          SliceSuccess,
		Stream:          stream,
		Direction:       dir,
		FromEventNumber: start,
		LastEventNumber: last,
	}

	var lo, hi int64
	if dir == Forward {
		lo, hi, slice.NextEventNumber, slice.IsEndOfStream = forwardWindow(start, count, last)
		for n := lo; n <= hi; n++ {
			if r := recs[n]; !r.deleted {
				slice.Events = append(slice.Events, r.resolveAt(stream, n))
			}
		}
	} else {
		if start == StreamEnd {
			start = last
		}
		lo, hi, slice.NextEventNumber, slice.IsEndOfStream = backwardWindow(start, count, last)
		for n := hi; n >= lo; n-- {
			if r := recs[n]; !r.deleted {
				slice.Events = append(slice.Events, r.resolveAt(stream, n))
			}
		}
	}
	return slice, nil
}

// ReadAllForward reads committed source events in position order, starting
// at position from (0 and 1 both denote the beginning).
func (s *Store) ReadAllForward(ctx context.Context, from uint64, count int) (*AllSlice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, invalidArgument("count must be positive, got %d", count)
	}
	from = max(from, 1)

	defer s.metrics.StoreReadDuration(Forward).ObserveDuration()

	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.lastPosition()
	slice := &AllSlice{From: from}
	end := min(from+uint64(count)-1, last)
	for p := from; p <= end; p++ {
		if r := s.all[p-1]; !r.deleted {
			slice.Events = append(slice.Events, r.resolved())
		}
	}
	slice.Next = max(end, from-1) + 1
	slice.IsEnd = slice.Next > last
	return slice, nil
}

// history returns up to n events of target with a position at or below hw,
// starting at cursor. Cursor is an event number for stream targets and a
// position for the all target.
func (s *Store) history(t Target, cursor int64, hw uint64, n int, withProjected bool) (out []ResolvedEvent, next int64, done bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t.isAll() {
		cursor = max(cursor, 1)
		for i := 0; i < n; i++ {
			p := uint64(cursor)
			if p > hw || p > s.lastPosition() {
				return out, cursor, true
			}
			cursor++
			r := s.all[p-1]
			if r.deleted {
				continue
			}
			out = append(out, r.resolved())
			if withProjected {
				out = append(out, r.projections()...)
			}
		}
		return out, cursor, false
	}

	var recs []*record
	if isProjectionStream(t.stream) {
		recs, _ = s.proj.entries(t.stream)
	} else {
		recs = s.streams[t.stream]
	}
	for i := 0; i < n; i++ {
		if cursor >= int64(len(recs)) {
			return out, cursor, true
		}
		r := recs[cursor]
		if r.Position > hw {
			return out, cursor, true
		}
		if !r.deleted {
			out = append(out, r.resolveAt(t.stream, cursor))
		}
		cursor++
	}
	return out, cursor, false
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close drops all subscriptions and closes the backend.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subs.dropAll(ErrStoreClosed)
	if err := s.backend.Close(); err != nil {
		return &IOError{Op: "close", Err: err}
	}
	s.log.Debug("closed")
	return nil
}
