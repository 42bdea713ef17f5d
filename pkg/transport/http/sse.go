package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/transport"
)

type writerState int

const (
	writerIdle      writerState = iota // no writes yet
	writerStreaming                    // WriteEvent has been called at least once
	writerCompleted                    // terminal event sent or WriteResult called
)

var terminalEvents = map[api.StreamEventType]bool{
	api.EventInvocationCompleted: true,
	api.EventInvocationFailed:    true,
}

// resultWriter implements transport.ResultWriter for HTTP. Streaming
// requests get server-sent events, the others one JSON body.
type resultWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	streaming bool

	mu    sync.Mutex
	state writerState
}

var _ transport.ResultWriter = (*resultWriter)(nil)

func newResultWriter(w http.ResponseWriter, streaming bool) *resultWriter {
	return &resultWriter{
		w:         w,
		rc:        http.NewResponseController(w),
		streaming: streaming,
	}
}

func (s *resultWriter) Streaming() bool { return s.streaming }

// WriteEvent sends a single SSE event formatted as:
//
//	event: {type}\n
//	data: {json}\n
//	\n
//
// After a terminal event, it also sends:
//
//	data: [DONE]\n
//	\n
func (s *resultWriter) WriteEvent(ctx context.Context, event api.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write event: writer is completed")
	}

	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	if terminalEvents[event.Type] {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write [DONE]: %w", err)
		}
		if err := s.rc.Flush(); err != nil {
			return fmt.Errorf("failed to flush [DONE]: %w", err)
		}
		s.state = writerCompleted
	}

	return nil
}

// WriteResult sends a complete non-streaming JSON result.
func (s *resultWriter) WriteResult(ctx context.Context, resp *transport.InvocationResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerStreaming {
		return errors.New("cannot write result: streaming has already started")
	}
	if s.state == writerCompleted {
		return errors.New("cannot write result: writer is completed")
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted

	if err := json.NewEncoder(s.w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

func (s *resultWriter) Flush() error {
	return s.rc.Flush()
}

// hasStartedStreaming returns true if at least one SSE event has been written.
func (s *resultWriter) hasStartedStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == writerStreaming
}

// written reports whether anything reached the client.
func (s *resultWriter) written() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}
