package ragflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineSize = 10 * 1024 * 1024

type completionRequest struct {
	Question  string `json:"question"`
	Stream    bool   `json:"stream"`
	SessionID string `json:"session_id,omitempty"`
}

// Stream is a single-use sequence of records read from an open completion response.
// It is not restartable; open a new one with OpenCompletion.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	logger  zerolog.Logger

	pending *Record
	done    bool

	closeOnce sync.Once
}

// OpenCompletion starts a streamed completion for question in sessionID (which may be
// empty). It never fails directly: a transport failure is yielded as the stream's only
// record, of KindError.
func (c *Client) OpenCompletion(ctx context.Context, question, sessionID string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cancel: cancel,
		logger: c.logger.With().Str("session_id", sessionID).Logger(),
	}

	body, err := json.Marshal(completionRequest{Question: question, Stream: true, SessionID: sessionID})
	if err != nil {
		s.fail(fmt.Errorf("failed to marshal completion request: %w", err))
		return s
	}

	resp, err := c.do(ctx, c.chatURL("completions"), body, true)
	if err != nil {
		s.fail(fmt.Errorf("open completion: %w", err))
		return s
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Str("content_type", resp.Header.Get("Content-Type")).
		Msg("Upstream stream opened")

	s.body = resp.Body
	s.scanner = bufio.NewScanner(resp.Body)
	s.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return s
}

func (s *Stream) fail(err error) {
	rec := ErrorRecord(err)
	s.pending = &rec
}

// Next returns the next decoded record. ok is false once the stream is exhausted.
// Blank lines, SSE comments and undecodable lines are skipped.
func (s *Stream) Next() (Record, bool) {
	if s.pending != nil {
		rec := *s.pending
		s.pending = nil
		s.done = true
		return rec, true
	}
	if s.done || s.scanner == nil {
		return Record{}, false
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			line = bytes.TrimSpace(line[len("data:"):])
			if len(line) == 0 {
				continue
			}
		}

		rec, ok := ParseRecord(line)
		if !ok {
			s.logger.Debug().Int("bytes", len(line)).Msg("Dropping undecodable upstream line")
			continue
		}
		return rec, true
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("upstream line exceeds %d bytes: %w", maxLineSize, err)
		}
		return ErrorRecord(fmt.Errorf("read upstream stream: %w", err)), true
	}
	return Record{}, false
}

// Close aborts the upstream request and releases the response body.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}
