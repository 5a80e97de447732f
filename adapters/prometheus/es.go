package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esdb-go/core/es"
	"github.com/codewandler/esdb-go/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeAppendDuration  *prometheus.HistogramVec
	storeReadDuration    *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	streamsDeleted       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Repository metrics
	repoLoadDuration *prometheus.HistogramVec
	repoSaveDuration *prometheus.HistogramVec

	// Subscription metrics
	subscriptionDeliveries *prometheus.CounterVec
	subscriptionsDropped   *prometheus.CounterVec

	// Consumer metrics
	consumerEventDuration *prometheus.HistogramVec
	consumerEvents        *prometheus.CounterVec
	consumerLag           *prometheus.GaugeVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeAppendDuration: newHistogramVec(
			"store_append_duration_seconds", "Store append latency in seconds", "category"),
		storeReadDuration: newHistogramVec(
			"store_read_duration_seconds", "Store read latency in seconds", "direction"),
		eventsAppended: newCounterVec(
			"events_appended_total", "Total number of events appended", "category"),
		streamsDeleted: newCounterVec(
			"streams_deleted_total", "Total number of deleted streams", "category"),
		concurrencyConflicts: newCounterVec(
			"concurrency_conflicts_total", "Total number of expected version mismatches", "category"),

		repoLoadDuration: newHistogramVec(
			"repo_load_duration_seconds", "Repository load latency in seconds", "aggregate_type"),
		repoSaveDuration: newHistogramVec(
			"repo_save_duration_seconds", "Repository save latency in seconds", "aggregate_type"),

		subscriptionDeliveries: newCounterVec(
			"subscription_deliveries_total", "Total number of events delivered to subscribers",
			"target", "live", "success"),
		subscriptionsDropped: newCounterVec(
			"subscriptions_dropped_total", "Total number of subscriptions dropped by the store", "target"),

		consumerEventDuration: newHistogramVec(
			"consumer_event_duration_seconds", "Event processing time in seconds", "event_type", "live"),
		consumerEvents: newCounterVec(
			"consumer_events_total", "Total number of events processed", "event_type", "live", "success"),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_lag",
			Help:      "Consumer lag (positions behind)",
		}, []string{"consumer"}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.storeReadDuration,
		m.eventsAppended,
		m.streamsDeleted,
		m.concurrencyConflicts,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.subscriptionDeliveries,
		m.subscriptionsDropped,
		m.consumerEventDuration,
		m.consumerEvents,
		m.consumerLag,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration(category string) metrics.Timer {
	return metrics.StartTimer(m.storeAppendDuration.WithLabelValues(category))
}

func (m *esMetrics) StoreReadDuration(direction es.ReadDirection) metrics.Timer {
	return metrics.StartTimer(m.storeReadDuration.WithLabelValues(string(direction)))
}

func (m *esMetrics) EventsAppended(category string, count int) {
	m.eventsAppended.WithLabelValues(category).Add(float64(count))
}

func (m *esMetrics) StreamDeleted(category string) {
	m.streamsDeleted.WithLabelValues(category).Inc()
}

func (m *esMetrics) ConcurrencyConflict(category string) {
	m.concurrencyConflicts.WithLabelValues(category).Inc()
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return metrics.StartTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return metrics.StartTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SubscriptionDelivered(target string, live bool, success bool) {
	m.subscriptionDeliveries.WithLabelValues(target, boolToStr(live), boolToStr(success)).Inc()
}

func (m *esMetrics) SubscriptionDropped(target string) {
	m.subscriptionsDropped.WithLabelValues(target).Inc()
}

func (m *esMetrics) ConsumerEventDuration(eventType string, live bool) metrics.Timer {
	return metrics.StartTimer(m.consumerEventDuration.WithLabelValues(eventType, boolToStr(live)))
}

func (m *esMetrics) ConsumerEventProcessed(eventType string, live bool, success bool) {
	m.consumerEvents.WithLabelValues(eventType, boolToStr(live), boolToStr(success)).Inc()
}

func (m *esMetrics) ConsumerLag(consumer string, lag int64) {
	m.consumerLag.WithLabelValues(consumer).Set(float64(lag))
}

var _ es.ESMetrics = (*esMetrics)(nil)
