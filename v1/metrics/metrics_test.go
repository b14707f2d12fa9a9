package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterHubMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterHubMetrics(reg)
	FanoutCounter.Inc()
	DroppedCounter.WithLabelValues(DropBackpressure).Inc()
	SessionGauge.Set(3)
	LockAcquireCounter.WithLabelValues(OutcomeAcquired).Inc()
	LockReleaseCounter.Inc()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 5)
}

func TestRegisterPublisherMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterPublisherMetrics(reg)
	assert.Panics(t, func() { RegisterPublisherMetrics(reg) })
}
