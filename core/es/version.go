package es

import (
	"log/slog"
	"strconv"
)

// ExpectedVersion is the optimistic concurrency precondition of a write.
// Non-negative values demand that the stream's last event number equals
// the value. Negative values are the named conditions below.
type ExpectedVersion int64

const (
	// ExpectAny skips the version check.
	ExpectAny ExpectedVersion = -2
	// ExpectNoStream requires that the stream does not exist.
	ExpectNoStream ExpectedVersion = -1
	// ExpectEmptyStream requires that the stream holds no events. A stream
	// that was never written counts as empty.
	ExpectEmptyStream ExpectedVersion = -3
	// ExpectStreamExists requires at least one event in the stream.
	ExpectStreamExists ExpectedVersion = -4
)

// ExpectVersion returns the precondition for an exact stream version.
func ExpectVersion(version int64) ExpectedVersion { return ExpectedVersion(version) }

func (v ExpectedVersion) String() string {
	switch v {
	case ExpectAny:
		return "any"
	case ExpectNoStream:
		return "no_stream"
	case ExpectEmptyStream:
		return "empty_stream"
	case ExpectStreamExists:
		return "stream_exists"
	}
	return strconv.FormatInt(int64(v), 10)
}

func (v ExpectedVersion) SlogAttr() slog.Attr { return v.SlogAttrWithKey("expected_version") }
func (v ExpectedVersion) SlogAttrWithKey(key string) slog.Attr {
	return slog.String(key, v.String())
}

// IsExact reports whether v names a concrete stream version.
func (v ExpectedVersion) IsExact() bool { return v >= 0 }

func (v ExpectedVersion) valid() bool {
	switch v {
	case ExpectAny, ExpectNoStream, ExpectEmptyStream, ExpectStreamExists:
		return true
	}
	return v >= 0
}

// satisfiedBy checks v against a stream whose last event number is
// current (-1 when it has no events).
func (v ExpectedVersion) satisfiedBy(current int64) bool {
	switch v {
	case ExpectAny:
		return true
	case ExpectNoStream, ExpectEmptyStream:
		return current < 0
	case ExpectStreamExists:
		return current >= 0
	}
	return int64(v) == current
}
