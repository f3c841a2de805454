package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvcrn/ragflow-relay/internal/binding"
	"github.com/dvcrn/ragflow-relay/internal/config"
	"github.com/dvcrn/ragflow-relay/internal/credentials"
	"github.com/dvcrn/ragflow-relay/internal/history"
	"github.com/dvcrn/ragflow-relay/internal/ragflow"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStream struct {
	ctx    context.Context
	recs   []ragflow.Record
	block  bool
	nexts  *atomic.Int32
	closed atomic.Bool
}

func (s *scriptedStream) Next() (ragflow.Record, bool) {
	n := int(s.nexts.Add(1))
	if n <= len(s.recs) {
		return s.recs[n-1], true
	}
	if s.block {
		<-s.ctx.Done()
		return ragflow.ErrorRecord(s.ctx.Err()), true
	}
	return ragflow.Record{}, false
}

func (s *scriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeUpstream struct {
	recs  []ragflow.Record
	block bool

	nexts     atomic.Int32
	mu        sync.Mutex
	stream    *scriptedStream
	sessionID string
	question  string
}

func (u *fakeUpstream) OpenStream(ctx context.Context, question, sessionID string) RecordStream {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessionID = sessionID
	u.question = question
	u.stream = &scriptedStream{ctx: ctx, recs: u.recs, block: u.block, nexts: &u.nexts}
	return u.stream
}

type fakeResolver struct {
	binding binding.Binding
	err     error
}

func (r fakeResolver) Resolve(ctx context.Context, threadID string) (binding.Binding, error) {
	return r.binding, r.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns []history.TurnRecord
	err   error
}

func (r *fakeRecorder) RecordTurn(ctx context.Context, rec history.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.turns = append(r.turns, rec)
	return nil
}

func (r *fakeRecorder) calls() []history.TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.TurnRecord(nil), r.turns...)
}

type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) emit(f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func (l *frameLog) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.Status
	}
	return out
}

func (l *frameLog) deltas() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, f := range l.frames {
		if f.Status == StatusLoading {
			out = append(out, f.Msg.(AIMessage).Content)
		}
	}
	return out
}

func testTurn() Turn {
	return Turn{RequestID: "req-1", ThreadID: "t1", UserID: "u1", AgentID: "ragflow", Query: "hello?"}
}

func newTestDriver(up Upstream, res SessionResolver, rec Recorder, pacer *Pacer) *Driver {
	return NewDriver(Options{
		Resolver:    res,
		Upstream:    up,
		Recorder:    rec,
		Pacer:       pacer,
		NewAnswerID: func() string { return "answer-1" },
	}, zerolog.Nop())
}

var boundSession = fakeResolver{binding: binding.Binding{ThreadID: "t1", ChatID: "c1", SessionID: "s1"}}

func TestRunCumulativeTurn(t *testing.T) {
	ref := json.RawMessage(`{"chunks":[{"id":"c1"}]}`)
	up := &fakeUpstream{recs: []ragflow.Record{
		{Kind: ragflow.KindAnswer, Text: "Hi"},
		{Kind: ragflow.KindAnswer, Text: "Hi there"},
		{Kind: ragflow.KindAnswer, Text: "Hi there!", Reference: ref},
		{Kind: ragflow.KindDone},
	}}
	rec := &fakeRecorder{}
	var log frameLog

	err := newTestDriver(up, boundSession, rec, nil).Run(context.Background(), testTurn(), log.emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"init", "loading", "loading", "loading", "finished"}, log.statuses())
	assert.Equal(t, []string{"Hi", " there", "!"}, log.deltas())
	for _, f := range log.frames[1:4] {
		assert.Equal(t, "answer-1", f.Msg.(AIMessage).ID)
	}
	assert.Equal(t, "s1", up.sessionID)
	assert.Equal(t, "hello?", up.question)
	assert.True(t, up.stream.closed.Load())

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, history.TurnRecord{
		ThreadID:         "t1",
		UserID:           "u1",
		AgentID:          "ragflow",
		UserMessage:      "hello?",
		AssistantMessage: "Hi there!",
		Reference:        ref,
	}, calls[0])
}

func TestRunStopsReadingAfterSentinel(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{
		{Kind: ragflow.KindDelta, Text: "X"},
		{Kind: ragflow.KindDone},
		{Kind: ragflow.KindDelta, Text: "late"},
		{Kind: ragflow.KindDone},
	}}
	rec := &fakeRecorder{}
	var log frameLog

	require.NoError(t, newTestDriver(up, boundSession, rec, nil).Run(context.Background(), testTurn(), log.emit))

	assert.Equal(t, []string{"init", "loading", "finished"}, log.statuses())
	assert.Equal(t, int32(2), up.nexts.Load())
	require.Len(t, rec.calls(), 1)
	assert.Equal(t, "X", rec.calls()[0].AssistantMessage)
}

func TestRunUpstreamErrorEndsTurn(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{
		{Kind: ragflow.KindAnswer, Text: "partial"},
		{Kind: ragflow.KindError, Message: "rate limited"},
		{Kind: ragflow.KindAnswer, Text: "partial and more"},
		{Kind: ragflow.KindDone},
	}}
	rec := &fakeRecorder{}
	var log frameLog

	err := newTestDriver(up, boundSession, rec, nil).Run(context.Background(), testTurn(), log.emit)
	require.Error(t, err)

	assert.Equal(t, []string{"init", "loading", "error"}, log.statuses())
	assert.Equal(t, "rate limited", log.frames[2].Message)
	assert.Empty(t, rec.calls())
}

func TestRunSessionFailureEmitsOnlyError(t *testing.T) {
	up := &fakeUpstream{}
	rec := &fakeRecorder{}
	var log frameLog

	res := fakeResolver{err: errors.New("ragflow unreachable")}
	err := newTestDriver(up, res, rec, nil).Run(context.Background(), testTurn(), log.emit)
	require.Error(t, err)

	assert.Equal(t, []string{"error"}, log.statuses())
	assert.Contains(t, log.frames[0].Message, "ragflow unreachable")
	assert.Nil(t, up.stream, "upstream never opened")
	assert.Empty(t, rec.calls())
}

func TestRunWithoutThreadUsesNoSession(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{{Kind: ragflow.KindDelta, Text: "ok"}, {Kind: ragflow.KindDone}}}
	var log frameLog

	turn := testTurn()
	turn.ThreadID = ""
	require.NoError(t, newTestDriver(up, fakeResolver{}, &fakeRecorder{}, nil).Run(context.Background(), turn, log.emit))
	assert.Equal(t, "", up.sessionID)
}

func TestRunStreamEndsWithoutSentinel(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{{Kind: ragflow.KindAnswer, Text: "cut"}}}
	rec := &fakeRecorder{}
	var log frameLog

	err := newTestDriver(up, boundSession, rec, nil).Run(context.Background(), testTurn(), log.emit)
	assert.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Equal(t, []string{"init", "loading", "error"}, log.statuses())
	assert.Empty(t, rec.calls())
}

func TestRunHistoryFailureReportsError(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{{Kind: ragflow.KindAnswer, Text: "done"}, {Kind: ragflow.KindDone}}}
	rec := &fakeRecorder{err: errors.New("disk full")}
	var log frameLog

	err := newTestDriver(up, boundSession, rec, nil).Run(context.Background(), testTurn(), log.emit)
	require.Error(t, err)
	assert.Equal(t, []string{"init", "loading", "error"}, log.statuses())
	assert.Contains(t, log.frames[2].Message, "disk full")
}

func TestRunCancelSkipsHistory(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{{Kind: ragflow.KindAnswer, Text: "Hi"}}, block: true}
	rec := &fakeRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var log frameLog
	emit := func(f Frame) error {
		_ = log.emit(f)
		if f.Status == StatusLoading {
			cancel()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- newTestDriver(up, boundSession, rec, nil).Run(ctx, testTurn(), emit)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, []string{"init", "loading"}, log.statuses())
	assert.Empty(t, rec.calls())
	assert.True(t, up.stream.closed.Load())
}

func TestRunEmitFailureStopsTurn(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{{Kind: ragflow.KindAnswer, Text: "Hi"}}, block: true}
	rec := &fakeRecorder{}
	gone := errors.New("client went away")

	err := newTestDriver(up, boundSession, rec, nil).Run(context.Background(), testTurn(), func(f Frame) error {
		if f.Status == StatusLoading {
			return gone
		}
		return nil
	})
	assert.ErrorIs(t, err, gone)
	assert.Empty(t, rec.calls())
}

func TestRunPacingDoesNotStallUpstream(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{
		{Kind: ragflow.KindAnswer, Text: "a"},
		{Kind: ragflow.KindAnswer, Text: "ab"},
		{Kind: ragflow.KindAnswer, Text: "abc"},
		{Kind: ragflow.KindDone},
	}}
	pacer := NewPacer(true, []config.PacingTier{{MinLength: 0, Delay: 50 * time.Millisecond}})

	var readsAtFirstDelta int32 = -1
	emit := func(f Frame) error {
		if f.Status == StatusLoading && readsAtFirstDelta < 0 {
			readsAtFirstDelta = up.nexts.Load()
		}
		return nil
	}

	require.NoError(t, newTestDriver(up, boundSession, &fakeRecorder{}, pacer).Run(context.Background(), testTurn(), emit))
	assert.Equal(t, int32(4), readsAtFirstDelta, "upstream drained while the first delta was being paced")
}

func TestRunAgainstRagflowServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range []string{
			`data:{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{not json`,
			`data:{"choices":[{"delta":{"content":"lo"}}]}`,
			`data:{"code":0,"data":true}`,
		} {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	client := ragflow.NewClient(config.RAGFlowConfig{BaseURL: srv.URL, ChatID: "c1", Timeout: 5 * time.Second}, nil, credentials.Static("k"), zerolog.Nop())
	rec := &fakeRecorder{}
	var log frameLog

	d := newTestDriver(ClientUpstream{Client: client}, boundSession, rec, nil)
	require.NoError(t, d.Run(context.Background(), testTurn(), log.emit))

	assert.Equal(t, []string{"init", "loading", "loading", "finished"}, log.statuses())
	assert.Equal(t, []string{"Hel", "lo"}, log.deltas())
	require.Len(t, rec.calls(), 1)
	assert.Equal(t, "Hello", rec.calls()[0].AssistantMessage)
}

func TestRunCollapsesCitationsInHistory(t *testing.T) {
	up := &fakeUpstream{recs: []ragflow.Record{
		{Kind: ragflow.KindAnswer, Text: "Fact [ID:1][ID:2] end"},
		{Kind: ragflow.KindDone},
	}}
	rec := &fakeRecorder{}
	d := NewDriver(Options{
		Resolver:          boundSession,
		Upstream:          up,
		Recorder:          rec,
		CollapseCitations: true,
	}, zerolog.Nop())

	var log frameLog
	require.NoError(t, d.Run(context.Background(), testTurn(), log.emit))
	assert.Equal(t, []string{"Fact [ID:1][ID:2] end"}, log.deltas(), "clients get the raw text")
	require.Len(t, rec.calls(), 1)
	assert.Equal(t, "Fact ⓘend", rec.calls()[0].AssistantMessage)
}
