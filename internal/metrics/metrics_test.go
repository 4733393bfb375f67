package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePublish("accepted")
	m.ObservePublish("accepted")
	m.ObserveFinalize(true)
	m.ObserveSweep(2, 1, 0)
	m.ObserveRequest("/webhooks/valor", "2xx", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalizeTotal.WithLabelValues("already")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepRows.WithLabelValues("fixed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/webhooks/valor", "2xx")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePublish("accepted")
		m.ObserveWebhook("ignored")
		m.ObservePoll("cache")
		m.ObserveFinalize(false)
		m.ObserveSweep(1, 1, 1)
		m.ObserveRelay("ok")
		m.ObserveRequest("/", "2xx", 0)
	})
}
