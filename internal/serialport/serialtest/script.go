// Package serialtest provides a scripted Transport for protocol tests.
package serialtest

import (
	"sync"

	"github.com/shaunagostinho/tmsdash/internal/serialport"
)

type step struct {
	line string
	err  error
}

// Script replays queued replies, one per ReceiveLine, and records every
// sent line. When the queue is empty it answers with the fallback line if
// one is set, otherwise with a read timeout.
type Script struct {
	mu       sync.Mutex
	queue    []step
	fallback *string
	sent     []string
	closed   bool
}

// New returns a script that will reply with lines in order.
func New(lines ...string) *Script {
	s := &Script{}
	s.Reply(lines...)
	return s
}

// Reply queues reply lines.
func (s *Script) Reply(lines ...string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		s.queue = append(s.queue, step{line: l})
	}
	return s
}

// Timeout queues one read timeout.
func (s *Script) Timeout() *Script {
	return s.Fail(&serialport.Error{Op: "receive", Err: serialport.ErrTimeout})
}

// Fail queues one receive error.
func (s *Script) Fail(err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, step{err: err})
	return s
}

// Always sets the reply used once the queue runs dry.
func (s *Script) Always(line string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = &line
	return s
}

// Sent returns a copy of every line sent so far.
func (s *Script) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close was called.
func (s *Script) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Script) SendLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &serialport.Error{Op: "send", Err: serialport.ErrClosed}
	}
	s.sent = append(s.sent, line)
	return nil
}

func (s *Script) ReceiveLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", &serialport.Error{Op: "receive", Err: serialport.ErrClosed}
	}
	if len(s.queue) == 0 {
		if s.fallback != nil {
			return *s.fallback, nil
		}
		return "", &serialport.Error{Op: "receive", Err: serialport.ErrTimeout}
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next.line, next.err
}

func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ serialport.Transport = (*Script)(nil)
