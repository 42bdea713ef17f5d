package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rhuss/toolmux/pkg/api"
)

// cancelGrace bounds how long the terminal result of a cancelled invocation
// waits for a reader that stopped receiving.
const cancelGrace = time.Second

// stream is the result sequence of one invocation. Producers never block:
// results are queued and a forwarder goroutine hands them to the reader in
// arrival order. Exactly one terminal result is accepted.
type stream struct {
	mu       sync.Mutex
	queue    []api.InvocationResult
	terminal bool // no more partials accepted
	ended    bool // terminal result queued
	partials int

	wake chan struct{}
	done chan struct{} // closed when the terminal result is queued
	out  chan api.InvocationResult

	onTerminal func(api.InvocationResult, int)
}

func newStream(onTerminal func(api.InvocationResult, int)) *stream {
	return &stream{
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		out:        make(chan api.InvocationResult, 1),
		onTerminal: onTerminal,
	}
}

// partial queues r. It returns false when the stream is already terminated.
func (s *stream) partial(r api.InvocationResult) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, r)
	s.partials++
	s.mu.Unlock()
	s.signal()
	return true
}

// finish queues the terminal result r. Only the first call wins; later calls
// return false and r is discarded. onTerminal runs before r becomes visible
// to the reader, so bookkeeping is complete once the reader sees it.
func (s *stream) finish(r api.InvocationResult) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.terminal = true
	n := s.partials
	s.mu.Unlock()

	if s.onTerminal != nil {
		s.onTerminal(r, n)
	}

	s.mu.Lock()
	s.queue = append(s.queue, r)
	s.ended = true
	close(s.done)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward delivers queued results until the terminal one, then closes out.
// When ctx ends first, pending partials are dropped and only the terminal
// result is offered to the reader.
func (s *stream) forward(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		last := s.ended
		s.mu.Unlock()

		for i, r := range batch {
			select {
			case s.out <- r:
			case <-ctx.Done():
				s.mu.Lock()
				s.queue = append(batch[i:], s.queue...)
				s.mu.Unlock()
				s.deliverTerminal()
				return
			}
		}
		if last {
			return
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			s.deliverTerminal()
			return
		}
	}
}

func (s *stream) deliverTerminal() {
	<-s.done

	s.mu.Lock()
	var term api.InvocationResult
	for _, r := range s.queue {
		if r.Terminal() {
			term = r
		}
	}
	s.queue = nil
	s.mu.Unlock()

	if !term.Terminal() {
		// Already delivered before ctx ended.
		return
	}

	t := time.NewTimer(cancelGrace)
	defer t.Stop()
	select {
	case s.out <- term:
	case <-t.C:
	}
}

// resolved returns a closed channel holding only r.
func resolved(r api.InvocationResult) <-chan api.InvocationResult {
	ch := make(chan api.InvocationResult, 1)
	ch <- r
	close(ch)
	return ch
}
