package relay

import (
	"bytes"
	"errors"
	"strings"

	"github.com/dvcrn/ragflow-relay/internal/metrics"
	"github.com/dvcrn/ragflow-relay/internal/ragflow"
	"github.com/rs/zerolog"
)

// Normalizer turns upstream records into events, updating the turn's State.
type Normalizer struct {
	metrics *metrics.Relay
	logger  zerolog.Logger
}

func NewNormalizer(m *metrics.Relay, logger zerolog.Logger) *Normalizer {
	return &Normalizer{metrics: m, logger: logger}
}

// Normalize classifies rec. ok is false when the record yields no event.
func (n *Normalizer) Normalize(rec ragflow.Record, st *State) (Event, bool) {
	switch rec.Kind {
	case ragflow.KindDone:
		return Event{Kind: EventFinished}, true

	case ragflow.KindError:
		err := rec.Err
		if err == nil {
			err = errors.New(rec.Message)
		}
		return Event{Kind: EventError, Message: rec.Message, Err: err}, true

	case ragflow.KindDelta:
		if rec.Text == "" {
			n.metrics.RecordIgnored()
			return Event{}, false
		}
		st.Accumulated += rec.Text
		return Event{Kind: EventDelta, Text: rec.Text, Content: rec.Text}, true

	case ragflow.KindAnswer:
		return n.answer(rec, st)
	}

	n.metrics.RecordIgnored()
	return Event{}, false
}

func (n *Normalizer) answer(rec ragflow.Record, st *State) (Event, bool) {
	full := rec.Text
	var delta string
	if strings.HasPrefix(full, st.LastFullText) {
		delta = full[len(st.LastFullText):]
	} else {
		// The answer no longer extends what was sent; re-baseline on the new text.
		n.metrics.AnswerRebaselined()
		n.logger.Warn().
			Int("previous_len", len(st.LastFullText)).
			Int("answer_len", len(full)).
			Msg("Cumulative answer does not extend the previous one, emitting it whole")
		delta = full
	}
	st.LastFullText = full

	newReference := rec.Reference != nil && !bytes.Equal(rec.Reference, st.LastReference)
	if rec.Reference != nil {
		st.LastReference = rec.Reference
	}
	if delta == "" && !newReference {
		n.metrics.RecordIgnored()
		return Event{}, false
	}

	st.Accumulated += delta
	return Event{Kind: EventDelta, Text: delta, Content: full, Reference: st.LastReference}, true
}
