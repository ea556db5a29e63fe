package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsAppended(3)
	m.WriteRejected("DUPLICATED_ENTRY")
	m.WriteRejected("DUPLICATED_ENTRY")
	m.EventDispatched()
	m.GapHealed(2)
	m.IndexFlushed()
	m.IndexGroup(IndexWritten)
	m.Command("account", OutcomeRejected)
	m.ProjectionStreamStarted()
	m.ProjectionStreamStarted()
	m.ProjectionStreamStopped()
	m.AggregateWorkerStarted()

	assert.Equal(t, 3.0, promtest.ToFloat64(m.eventsAppended))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.writeRejections.WithLabelValues("DUPLICATED_ENTRY")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.eventsDispatched))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.gapsHealed))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.indexFlushes))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.indexGroups.WithLabelValues(IndexWritten)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.commands.WithLabelValues("account", OutcomeRejected)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.projectionStreams))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.aggregateWorkers))

	n, err := promtest.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.EventsAppended(1)
		m.WriteRejected("X")
		m.EventDispatched()
		m.GapHealed(1)
		m.IndexFlushed()
		m.IndexGroup(IndexFailed)
		m.Command("k", OutcomeFailed)
		m.ProjectionStreamStarted()
		m.ProjectionStreamStopped()
		m.AggregateWorkerStarted()
		m.AggregateWorkerStopped()
	})
}

func TestNew_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
