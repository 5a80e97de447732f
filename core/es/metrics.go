package es

import "github.com/codewandler/esdb-go/core/metrics"

// ESMetrics receives instrumentation from the store, repository,
// subscriptions and consumers. Implementations must be safe for
// concurrent use.
type ESMetrics interface {
	// Store
	StoreAppendDuration(category string) metrics.Timer
	StoreReadDuration(direction ReadDirection) metrics.Timer
	EventsAppended(category string, count int)
	StreamDeleted(category string)
	ConcurrencyConflict(category string)

	// Repository
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer

	// Subscriptions
	SubscriptionDelivered(target string, live bool, success bool)
	SubscriptionDropped(target string)

	// Consumer
	ConsumerEventDuration(eventType string, live bool) metrics.Timer
	ConsumerEventProcessed(eventType string, live bool, success bool)
	ConsumerLag(consumer string, lag int64)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreAppendDuration(string) metrics.Timer      { return metrics.NopTimer() }
func (nopESMetrics) StoreReadDuration(ReadDirection) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)                    {}
func (nopESMetrics) StreamDeleted(string)                          {}
func (nopESMetrics) ConcurrencyConflict(string)                    {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) SubscriptionDelivered(string, bool, bool) {}
func (nopESMetrics) SubscriptionDropped(string)               {}

func (nopESMetrics) ConsumerEventDuration(string, bool) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConsumerEventProcessed(string, bool, bool)        {}
func (nopESMetrics) ConsumerLag(string, int64)                        {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToStore(s *storeOpts)           { s.metrics = o.m }
func (o ESMetricsOption) applyToEnv(e *envOptions)            { e.metrics = o.m }
func (o ESMetricsOption) applyToRepository(r *repoOpts)       { r.metrics = o.m }
func (o ESMetricsOption) applyToConsumerOpts(c *consumerOpts) { c.metrics = o.m }

// metricCategory keeps label cardinality bounded: per-aggregate stream
// names collapse to their category.
func metricCategory(stream string) string {
	if c, ok := CategoryOf(stream); ok {
		return c
	}
	if isProjectionStream(stream) {
		return stream
	}
	return "none"
}
