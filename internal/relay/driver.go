// Package relay turns one user question into a stream of client frames: it resolves
// the thread's upstream session, reads and normalizes the upstream stream, paces the
// output and records the finished exchange.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvcrn/ragflow-relay/internal/binding"
	"github.com/dvcrn/ragflow-relay/internal/history"
	"github.com/dvcrn/ragflow-relay/internal/metrics"
	"github.com/dvcrn/ragflow-relay/internal/ragflow"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrStreamIncomplete is reported when the upstream stream ends without its
// end-of-turn sentinel.
var ErrStreamIncomplete = errors.New("upstream stream ended before the answer was complete")

// RecordStream is a single-use sequence of upstream records.
type RecordStream interface {
	Next() (ragflow.Record, bool)
	Close() error
}

// Upstream opens completion streams.
type Upstream interface {
	OpenStream(ctx context.Context, question, sessionID string) RecordStream
}

// SessionResolver maps a thread to its upstream session.
type SessionResolver interface {
	Resolve(ctx context.Context, threadID string) (binding.Binding, error)
}

// Recorder persists finished turns.
type Recorder interface {
	RecordTurn(ctx context.Context, rec history.TurnRecord) error
}

// ClientUpstream adapts a ragflow.Client to Upstream.
type ClientUpstream struct {
	Client *ragflow.Client
}

func (u ClientUpstream) OpenStream(ctx context.Context, question, sessionID string) RecordStream {
	return u.Client.OpenCompletion(ctx, question, sessionID)
}

// Turn is one question from one user in one thread.
type Turn struct {
	RequestID string
	ThreadID  string
	UserID    string
	AgentID   string
	Query     string
	Meta      map[string]interface{}
}

// Options configures a Driver.
type Options struct {
	Resolver SessionResolver
	Upstream Upstream
	Recorder Recorder
	Pacer    *Pacer
	Metrics  *metrics.Relay
	// CollapseCitations rewrites [ID:n] markers before the answer is persisted.
	CollapseCitations bool
	// NewAnswerID defaults to uuid.NewString.
	NewAnswerID func() string
}

// Driver runs turns. It is safe for concurrent use; each Run owns its own state.
type Driver struct {
	opts       Options
	normalizer *Normalizer
	logger     zerolog.Logger
}

func NewDriver(opts Options, logger zerolog.Logger) *Driver {
	if opts.NewAnswerID == nil {
		opts.NewAnswerID = uuid.NewString
	}
	return &Driver{
		opts:       opts,
		normalizer: NewNormalizer(opts.Metrics, logger),
		logger:     logger,
	}
}

// Run executes turn, passing every frame to emit in order. The last frame is always
// finished or error unless ctx ends or emit fails first, in which case history is not
// written. The returned error is the turn's failure, if any.
func (d *Driver) Run(ctx context.Context, turn Turn, emit func(Frame) error) error {
	start := time.Now()
	log := d.logger.With().
		Str("request_id", turn.RequestID).
		Str("thread_id", turn.ThreadID).
		Str("agent_id", turn.AgentID).
		Logger()

	d.opts.Metrics.StreamStarted()
	defer d.opts.Metrics.StreamEnded()

	status := metrics.StatusError
	defer func() {
		d.opts.Metrics.TurnCompleted(turn.AgentID, status, time.Since(start))
	}()

	b, err := d.opts.Resolver.Resolve(ctx, turn.ThreadID)
	if err != nil {
		if ctx.Err() != nil {
			status = metrics.StatusCancelled
			return ctx.Err()
		}
		log.Error().Err(err).Msg("Failed to resolve ragflow session")
		return d.fail(turn, emit, err, "failed to create ragflow session: "+err.Error())
	}
	log = log.With().Str("session_id", b.SessionID).Logger()

	if err := emit(initFrame(turn)); err != nil {
		status = metrics.StatusCancelled
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := NewState(d.opts.NewAnswerID())
	queue := newEventQueue()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer queue.close()
		stream := d.opts.Upstream.OpenStream(gctx, turn.Query, b.SessionID)
		defer stream.Close()

		for {
			rec, ok := stream.Next()
			if gctx.Err() != nil {
				return nil
			}
			if !ok {
				queue.push(Event{Kind: EventError, Message: ErrStreamIncomplete.Error(), Err: ErrStreamIncomplete})
				return nil
			}
			ev, ok := d.normalizer.Normalize(rec, st)
			if !ok {
				continue
			}
			queue.push(ev)
			if ev.Kind == EventFinished || ev.Kind == EventError {
				return nil
			}
		}
	})
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	deltas := 0
	for {
		ev, ok := queue.pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				status = metrics.StatusCancelled
				log.Info().Int("deltas", deltas).Msg("Turn cancelled by client")
				return ctx.Err()
			}
			return d.fail(turn, emit, ErrStreamIncomplete, ErrStreamIncomplete.Error())
		}

		switch ev.Kind {
		case EventDelta:
			if err := d.opts.Pacer.Pace(ctx, ev); err != nil {
				status = metrics.StatusCancelled
				return err
			}
			if err := emit(loadingFrame(turn, st.AnswerID, ev)); err != nil {
				status = metrics.StatusCancelled
				return err
			}
			if deltas == 0 {
				d.opts.Metrics.FirstDelta(time.Since(start))
			}
			deltas++
			d.opts.Metrics.DeltaEmitted()

		case EventError:
			cancel()
			log.Warn().Err(ev.Err).Int("deltas", deltas).Msg("Turn failed")
			return d.fail(turn, emit, ev.Err, ev.Message)

		case EventFinished:
			// the reader returns right after queueing the sentinel
			if err := g.Wait(); err != nil {
				log.Debug().Err(err).Msg("Upstream reader exited with error")
			}
			if err := d.record(ctx, turn, st); err != nil {
				if ctx.Err() != nil {
					status = metrics.StatusCancelled
					return ctx.Err()
				}
				log.Error().Err(err).Msg("Failed to save history")
				return d.fail(turn, emit, err, "failed to save history: "+err.Error())
			}
			if err := emit(finishedFrame(turn)); err != nil {
				status = metrics.StatusCancelled
				return err
			}
			status = metrics.StatusFinished
			log.Info().
				Int("deltas", deltas).
				Int("answer_len", len(st.Accumulated)).
				Dur("duration", time.Since(start)).
				Msg("Turn finished")
			return nil
		}
	}
}

func (d *Driver) record(ctx context.Context, turn Turn, st *State) error {
	answer := st.Accumulated
	if d.opts.CollapseCitations {
		answer = CollapseCitations(answer)
	}
	err := d.opts.Recorder.RecordTurn(ctx, history.TurnRecord{
		ThreadID:         turn.ThreadID,
		UserID:           turn.UserID,
		AgentID:          turn.AgentID,
		UserMessage:      turn.Query,
		AssistantMessage: answer,
		Reference:        st.LastReference,
	})
	d.opts.Metrics.HistoryWritten(err)
	return err
}

func (d *Driver) fail(turn Turn, emit func(Frame) error, cause error, message string) error {
	if cause == nil {
		cause = errors.New(message)
	}
	if err := emit(errorFrame(turn, message)); err != nil {
		return fmt.Errorf("%w (emit error frame: %v)", cause, err)
	}
	return cause
}
