// Package metrics holds the Prometheus collectors for relay turns.
// All methods are safe on a nil *Relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ragflow_relay"

// Turn outcomes used as the status label.
const (
	StatusFinished  = "finished"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Relay groups the collectors for the streaming relay.
type Relay struct {
	turns            *prometheus.CounterVec
	activeStreams    prometheus.Gauge
	firstDelta       prometheus.Histogram
	turnDuration     *prometheus.HistogramVec
	deltas           prometheus.Counter
	sessionsCreated  *prometheus.CounterVec
	historyWrites    *prometheus.CounterVec
	droppedRecords   prometheus.Counter
	rebaselinedTurns prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Relay, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Relay{
		// turns counts completed turns.
		// Labels: agent, status (finished, error, cancelled)
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Relay turns by terminal status",
		}, []string{"agent", "status"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Turns currently streaming to a client",
		}),
		firstDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_seconds",
			Help:      "Time from turn start to the first emitted delta",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
		}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn including pacing",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"status"}),
		deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Delta frames emitted to clients",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Upstream session creations by result",
		}, []string{"result"}),
		historyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "History turn writes by result",
		}, []string{"result"}),
		droppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_records_total",
			Help:      "Upstream records that produced no event",
		}),
		rebaselinedTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_rebaselines_total",
			Help:      "Cumulative answers that did not extend the previous answer",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.turns, m.activeStreams, m.firstDelta, m.turnDuration, m.deltas,
		m.sessionsCreated, m.historyWrites, m.droppedRecords, m.rebaselinedTurns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Relay) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Relay) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// TurnCompleted records the terminal status and duration of one turn.
func (m *Relay) TurnCompleted(agent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(agent, status).Inc()
	m.turnDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Relay) FirstDelta(d time.Duration) {
	if m == nil {
		return
	}
	m.firstDelta.Observe(d.Seconds())
}

func (m *Relay) DeltaEmitted() {
	if m == nil {
		return
	}
	m.deltas.Inc()
}

func (m *Relay) SessionCreated(err error) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(result(err)).Inc()
}

func (m *Relay) HistoryWritten(err error) {
	if m == nil {
		return
	}
	m.historyWrites.WithLabelValues(result(err)).Inc()
}

func (m *Relay) RecordIgnored() {
	if m == nil {
		return
	}
	m.droppedRecords.Inc()
}

func (m *Relay) AnswerRebaselined() {
	if m == nil {
		return
	}
	m.rebaselinedTurns.Inc()
}
