package relay

import "encoding/json"

// EventKind is the type of a normalized event.
type EventKind int

const (
	EventInit EventKind = iota
	EventDelta
	EventFinished
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventDelta:
		return "delta"
	case EventFinished:
		return "finished"
	default:
		return "error"
	}
}

// Event is the uniform unit produced from upstream records.
type Event struct {
	Kind EventKind
	// Text is the increment for EventDelta.
	Text string
	// Content is what the upstream record carried: the full answer so far for cumulative
	// records, the increment for delta records.
	Content string
	// Reference is the latest citation payload of the turn, if any.
	Reference json.RawMessage
	// Message describes an EventError.
	Message string
	Err     error
}

// State accumulates one turn's answer. It belongs to a single turn and is discarded
// after the turn ends.
type State struct {
	AnswerID      string
	LastFullText  string
	Accumulated   string
	LastReference json.RawMessage
}

func NewState(answerID string) *State {
	return &State{AnswerID: answerID}
}
