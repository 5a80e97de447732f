// Package metrics declares the instrumentation primitives used by the
// store. Backends such as Prometheus implement them in adapters.
package metrics

import "time"

type Counter interface {
	Inc()
	Add(delta float64)
}

type Gauge interface {
	Set(value float64)
	Add(delta float64)
}

// Histogram samples observations such as latencies.
type Histogram interface {
	Observe(value float64)
}

// Timer measures one operation. Typical use:
//
//	defer m.StoreAppendDuration("order").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type histogramTimer struct {
	h     Histogram
	start time.Time
}

func (t histogramTimer) ObserveDuration() { t.h.Observe(time.Since(t.start).Seconds()) }

// StartTimer returns a Timer that records the elapsed seconds into h.
func StartTimer(h Histogram) Timer { return histogramTimer{h: h, start: time.Now()} }

type nop struct{}

func (nop) Inc()             {}
func (nop) Add(float64)      {}
func (nop) Set(float64)      {}
func (nop) Observe(float64)  {}
func (nop) ObserveDuration() {}

func NopCounter() Counter     { return nop{} }
func NopGauge() Gauge         { return nop{} }
func NopHistogram() Histogram { return nop{} }
func NopTimer() Timer         { return nop{} }
