package es

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// SystemStreamPrefix marks streams that clients cannot write or delete.
	SystemStreamPrefix    = "$"
	CategoryStreamPrefix  = "$ce-"
	EventTypeStreamPrefix = "$et-"
)

func IsSystemStream(stream string) bool { return strings.HasPrefix(stream, SystemStreamPrefix) }

// CategoryOf returns the part of stream before its first '-'. Streams
// without a '-', with an empty category or system streams have none.
func CategoryOf(stream string) (string, bool) {
	if IsSystemStream(stream) {
		return "", false
	}
	i := strings.IndexByte(stream, '-')
	if i <= 0 {
		return "", false
	}
	return stream[:i], true
}

func CategoryStream(category string) string   { return CategoryStreamPrefix + category }
func EventTypeStream(eventType string) string { return EventTypeStreamPrefix + eventType }

// StreamNameBuilder derives stream names for aggregates.
type StreamNameBuilder interface {
	ForAggregate(aggType, id string) string
	ForCategory(aggType string) string
	ForEventType(eventType string) string
}

type prefixedStreamNames struct{ prefix string }

// NewStreamNameBuilder returns a builder naming aggregate streams
// "prefix.aggType-id" with aggType in lower camel case. An empty prefix
// yields "aggType-id".
func NewStreamNameBuilder(prefix string) StreamNameBuilder {
	return prefixedStreamNames{prefix: strings.TrimSuffix(prefix, ".")}
}

func (b prefixedStreamNames) category(aggType string) string {
	if b.prefix == "" {
		return lowerFirst(aggType)
	}
	return b.prefix + "." + lowerFirst(aggType)
}

func (b prefixedStreamNames) ForAggregate(aggType, id string) string {
	return b.category(aggType) + "-" + id
}

func (b prefixedStreamNames) ForCategory(aggType string) string {
	return CategoryStream(b.category(aggType))
}

func (b prefixedStreamNames) ForEventType(eventType string) string {
	return EventTypeStream(eventType)
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}
