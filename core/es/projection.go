package es

import "strings"

// record is the in-memory form of a committed event. Fields other than
// deleted never change after the record is indexed.
type record struct {
	RecordedEvent
	category       string
	categoryNumber int64
	typeNumber     int64
	// deleted is guarded by Store.mu.
	deleted bool
}

func (r *record) resolved() ResolvedEvent { return ResolvedEvent{RecordedEvent: r.RecordedEvent} }

func (r *record) categoryCopy() (ResolvedEvent, bool) {
	if r.category == "" {
		return ResolvedEvent{}, false
	}
	return ResolvedEvent{
		RecordedEvent:   r.RecordedEvent,
		ProjectedStream: CategoryStream(r.category),
		ProjectedNumber: r.categoryNumber,
	}, true
}

func (r *record) typeCopy() ResolvedEvent {
	return ResolvedEvent{
		RecordedEvent:   r.RecordedEvent,
		ProjectedStream: EventTypeStream(r.EventType),
		ProjectedNumber: r.typeNumber,
	}
}

// projections returns the category and event-type copies of r, in that order.
func (r *record) projections() []ResolvedEvent {
	out := make([]ResolvedEvent, 0, 2)
	if c, ok := r.categoryCopy(); ok {
		out = append(out, c)
	}
	return append(out, r.typeCopy())
}

// projectionIndex maintains the $ce- and $et- streams. Entries are added
// in global position order and keep their number for the lifetime of the
// store, including entries whose source stream was deleted; those are
// skipped on read. Replaying the same log therefore yields the same
// numbering.
type projectionIndex struct {
	streams map[string][]*record
}

func newProjectionIndex() *projectionIndex {
	return &projectionIndex{streams: map[string][]*record{}}
}

func (p *projectionIndex) add(r *record) {
	r.categoryNumber = -1
	if c, ok := CategoryOf(r.StreamName); ok {
		name := CategoryStream(c)
		r.category = c
		r.categoryNumber = int64(len(p.streams[name]))
		p.streams[name] = append(p.streams[name], r)
	}

	name := EventTypeStream(r.EventType)
	r.typeNumber = int64(len(p.streams[name]))
	p.streams[name] = append(p.streams[name], r)
}

func (p *projectionIndex) entries(name string) ([]*record, bool) {
	rs, ok := p.streams[name]
	return rs, ok
}

func isProjectionStream(name string) bool {
	return strings.HasPrefix(name, CategoryStreamPrefix) || strings.HasPrefix(name, EventTypeStreamPrefix)
}

// resolveAt returns the view of r as seen from stream name.
func (r *record) resolveAt(name string, number int64) ResolvedEvent {
	if !isProjectionStream(name) {
		return r.resolved()
	}
	return ResolvedEvent{
		RecordedEvent:   r.RecordedEvent,
		ProjectedStream: name,
		ProjectedNumber: number,
	}
}
