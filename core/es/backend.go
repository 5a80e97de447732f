package es

import (
	"context"
)

type EntryKind uint8

const (
	EntryAppend EntryKind = iota + 1
	EntryDelete
)

func (k EntryKind) String() string {
	switch k {
	case EntryAppend:
		return "append"
	case EntryDelete:
		return "delete"
	}
	return "unknown"
}

// Entry is one committed change of the log: an append batch or a delete
// marker.
type Entry struct {
	Kind   EntryKind
	Stream string
	// Events of an append. Replayed append entries may carry events of
	// several streams.
	Events []RecordedEvent
	// Position is the last global position covered by the entry. For a
	// delete it is the last position committed before the delete.
	Position uint64
}

// Backend persists the log. Commit must be atomic: after a crash an entry
// is either replayed completely or not at all.
type Backend interface {
	// Replay yields every committed entry in commit order.
	Replay(ctx context.Context, fn func(Entry) error) error
	Commit(ctx context.Context, e Entry) error
	Close() error
}

// MemoryBackend keeps nothing. Stores using it are ephemeral.
type MemoryBackend struct{}

func NewMemoryBackend() MemoryBackend { return MemoryBackend{} }

func (MemoryBackend) Replay(context.Context, func(Entry) error) error { return nil }
func (MemoryBackend) Commit(context.Context, Entry) error             { return nil }
func (MemoryBackend) Close() error                                    { return nil }

var _ Backend = MemoryBackend{}
