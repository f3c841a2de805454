package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.StreamStarted()
	m.DeltaEmitted()
	m.DeltaEmitted()
	m.SessionCreated(nil)
	m.SessionCreated(errors.New("boom"))
	m.HistoryWritten(nil)
	m.TurnCompleted("ragflow", StatusFinished, time.Second)
	m.StreamEnded()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.deltas))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeStreams))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsCreated.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsCreated.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.turns.WithLabelValues("ragflow", StatusFinished)))
}

func TestRelayDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilRelayIsNoop(t *testing.T) {
	var m *Relay
	assert.NotPanics(t, func() {
		m.StreamStarted()
		m.StreamEnded()
		m.DeltaEmitted()
		m.FirstDelta(time.Millisecond)
		m.TurnCompleted("a", StatusError, time.Second)
		m.SessionCreated(nil)
		m.HistoryWritten(nil)
		m.RecordIgnored()
		m.AnswerRebaselined()
	})
}
