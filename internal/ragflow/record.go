package ragflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind classifies one decoded upstream record.
type Kind int

const (
	// KindIgnored is a well-formed record carrying nothing the relay uses.
	KindIgnored Kind = iota
	// KindDone is the end-of-turn sentinel (bare `true`, `data: true` or `[DONE]`).
	KindDone
	// KindError carries an upstream-reported or transport error.
	KindError
	// KindDelta is an OpenAI-style incremental chunk.
	KindDelta
	// KindAnswer carries the cumulative answer so far.
	KindAnswer
)

func (k Kind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindError:
		return "error"
	case KindDelta:
		return "delta"
	case KindAnswer:
		return "answer"
	default:
		return "ignored"
	}
}

// Record is one upstream stream unit, classified once at parse time.
type Record struct {
	Kind Kind
	// Text is the delta content for KindDelta and the full answer for KindAnswer.
	Text string
	// Reference is the raw citation payload of a KindAnswer record, nil when absent or null.
	Reference json.RawMessage
	// Message is the human-readable error for KindError.
	Message string
	// Err is set on synthetic transport error records.
	Err error
}

// ErrorRecord builds the synthetic record a Stream yields for a transport failure.
func ErrorRecord(err error) Record {
	return Record{Kind: KindError, Message: err.Error(), Err: err}
}

var doneMarker = []byte("[DONE]")

// ParseRecord classifies a single line payload (without the SSE `data:` prefix).
// ok is false when the payload is not valid JSON.
func ParseRecord(payload []byte) (rec Record, ok bool) {
	payload = bytes.TrimSpace(payload)
	if bytes.Equal(payload, doneMarker) {
		return Record{Kind: KindDone}, true
	}
	if !gjson.ValidBytes(payload) {
		return Record{}, false
	}

	root := gjson.ParseBytes(payload)
	if root.Type == gjson.True {
		return Record{Kind: KindDone}, true
	}
	if !root.IsObject() {
		return Record{Kind: KindIgnored}, true
	}
	if e := root.Get("error"); e.Exists() {
		return Record{Kind: KindError, Message: errorMessage(e)}, true
	}

	if code := root.Get("code"); code.Exists() && code.Int() != 0 {
		msg := root.Get("message").String()
		if msg == "" {
			msg = fmt.Sprintf("ragflow returned code %d", code.Int())
		}
		return Record{Kind: KindError, Message: msg, Err: &APIError{Code: int(code.Int()), Message: msg}}, true
	}

	body := root
	if data := root.Get("data"); data.Exists() {
		body = data
	}

	if body.Type == gjson.True {
		return Record{Kind: KindDone}, true
	}
	if !body.IsObject() {
		return Record{Kind: KindIgnored}, true
	}
	if e := body.Get("error"); e.Exists() {
		return Record{Kind: KindError, Message: errorMessage(e)}, true
	}
	if c := body.Get("choices.0.delta.content"); c.Exists() && c.Type != gjson.Null {
		return Record{Kind: KindDelta, Text: c.String()}, true
	}
	if a := body.Get("answer"); a.Exists() {
		rec := Record{Kind: KindAnswer, Text: a.String()}
		if ref := body.Get("reference"); ref.Exists() && ref.Type != gjson.Null {
			rec.Reference = json.RawMessage(ref.Raw)
		}
		return rec, true
	}
	return Record{Kind: KindIgnored}, true
}

func errorMessage(e gjson.Result) string {
	if e.IsObject() {
		if m := e.Get("message"); m.Exists() {
			return m.String()
		}
		return e.Raw
	}
	if s := e.String(); s != "" {
		return s
	}
	return "upstream reported an error"
}
