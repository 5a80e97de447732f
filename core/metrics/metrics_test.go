package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHistogram struct{ values []float64 }

func (h *recordingHistogram) Observe(v float64) { h.values = append(h.values, v) }

func TestStartTimer(t *testing.T) {
	h := &recordingHistogram{}
	timer := StartTimer(h)
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration()

	require.Len(t, h.values, 1)
	require.GreaterOrEqual(t, h.values[0], 0.005)
}

func TestNop(t *testing.T) {
	NopCounter().Add(3)
	NopGauge().Set(1)
	NopHistogram().Observe(1)
	NopTimer().ObserveDuration()
}
