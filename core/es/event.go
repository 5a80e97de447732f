package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codewandler/esdb-go/internal/reflector"
)

// EventData is an event that is about to be appended.
type EventData struct {
	// ID is optional; an empty ID is replaced by a random UUID on append.
	ID       string
	Type     string
	IsJSON   bool
	Data     []byte
	Metadata []byte
}

// NewJSONEvent marshals v into an EventData of the given type.
func NewJSONEvent(eventType string, v any) (EventData, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return EventData{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return EventData{
		ID:     uuid.NewString(),
		Type:   eventType,
		IsJSON: true,
		Data:   data,
	}, nil
}

// RecordedEvent is an event as it was committed to a stream.
type RecordedEvent struct {
	StreamName  string    `json:"stream"`
	EventNumber int64     `json:"number"`
	EventID     string    `json:"id"`
	EventType   string    `json:"type"`
	IsJSON      bool      `json:"is_json"`
	Data        []byte    `json:"data,omitempty"`
	Metadata    []byte    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// Position is the global commit sequence, starting at 1.
	Position uint64 `json:"position"`
}

func (e RecordedEvent) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.EventID),
		slog.String("stream", e.StreamName),
		slog.Int64("number", e.EventNumber),
		slog.String("type", e.EventType),
		slog.Uint64("position", e.Position),
	)
}

// ResolvedEvent is returned by reads and subscriptions. When the event was
// read through a projection stream, ProjectedStream and ProjectedNumber
// locate it within that projection.
type ResolvedEvent struct {
	RecordedEvent
	ProjectedStream string `json:"projected_stream,omitempty"`
	ProjectedNumber int64  `json:"projected_number,omitempty"`
}

func (e ResolvedEvent) IsProjected() bool { return e.ProjectedStream != "" }

// OriginalStreamName is the stream the event was read from.
func (e ResolvedEvent) OriginalStreamName() string {
	if e.IsProjected() {
		return e.ProjectedStream
	}
	return e.StreamName
}

// OriginalEventNumber is the event number within OriginalStreamName.
func (e ResolvedEvent) OriginalEventNumber() int64 {
	if e.IsProjected() {
		return e.ProjectedNumber
	}
	return e.EventNumber
}

// === registry ===

// EventRegistry maps event type names to constructors so we can decode persisted events.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.news[eventType]
	return ok
}

// Decode builds a fresh instance for the event type and unmarshals the
// event's JSON payload into it.
func (r *EventRegistry) Decode(ev RecordedEvent) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[ev.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.EventType)
	}
	out := ctor()
	if len(ev.Data) > 0 {
		if !ev.IsJSON {
			return nil, fmt.Errorf("decode %s: payload is not json", ev.EventType)
		}
		if err := json.Unmarshal(ev.Data, out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.EventType, err)
		}
	}
	return out, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	r.Register(EventTypeOf(new(T)), func() any {
		return any(new(T))
	})
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is called
// once to derive the event type name.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

// EventTypeOf returns the stored type name of ev: the result of its
// EventType method if it has one, otherwise its Go type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Short
}
