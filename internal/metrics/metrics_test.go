package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordsRunsAndStages(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RunStarted()
	m.ObserveStage("coding", "success", 2*time.Second, 1)
	m.ObserveStage("coding", "degraded", time.Second, 0)
	m.Revision("coding")
	m.RunFinished("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageInvocations.WithLabelValues("coding", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Revisions.WithLabelValues("coding")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExternalFailures.WithLabelValues("coding")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.ObserveStage("coding", "success", time.Second, 2)
		m.Revision("coding")
		m.RunFinished("ok")
	})
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
