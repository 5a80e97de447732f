package es

const (
	// StreamStart is the first event number of every stream.
	StreamStart int64 = 0
	// StreamEnd starts a backward read at the last event. It is also the
	// NextEventNumber of a backward slice that reached the beginning.
	StreamEnd int64 = -1
)

type ReadDirection string

const (
	Forward  ReadDirection = "forward"
	Backward ReadDirection = "backward"
)

type SliceStatus int

const (
	SliceSuccess SliceStatus = iota
	SliceStreamNotFound
)

func (s SliceStatus) String() string {
	if s == SliceStreamNotFound {
		return "stream_not_found"
	}
	return "success"
}

// Slice is one page of a stream read.
type Slice struct {
	Status    SliceStatus
	Stream    string
	Direction ReadDirection
	// FromEventNumber is the requested start of the read.
	FromEventNumber int64
	Events          []ResolvedEvent
	// NextEventNumber is where the following page starts.
	NextEventNumber int64
	// LastEventNumber is the number of the stream's last event.
	LastEventNumber int64
	IsEndOfStream   bool
}

// AllSlice is one page of the global log.
type AllSlice struct {
	From   uint64
	Events []ResolvedEvent
	Next   uint64
	IsEnd  bool
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	// NextExpectedVersion is the stream version after the append.
	NextExpectedVersion int64
	LastPosition        uint64
}

// forwardWindow computes the inclusive range [lo, hi] of a forward read
// over a stream whose last event is last.
func forwardWindow(start int64, count int, last int64) (lo, hi, next int64, end bool) {
	if start > last {
		return start, start - 1, last + 1, true
	}
	hi = min(start+int64(count)-1, last)
	return start, hi, hi + 1, hi == last
}

// backwardWindow computes the inclusive range [lo, hi] of a backward read.
// hi < lo when nothing falls in the window.
func backwardWindow(start int64, count int, last int64) (lo, hi, next int64, end bool) {
	low := start - int64(count) + 1
	hi = min(start, last)
	lo = max(low, 0)
	if low <= 0 {
		return lo, hi, StreamEnd, true
	}
	return lo, hi, min(low-1, last), false
}
