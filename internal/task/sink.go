package task

import (
	"errors"
	"sync"
)

// ErrAlreadyReplied is returned when a second reply is attempted.
var ErrAlreadyReplied = errors.New("reply already sent")

// Sink is the write-once slot for a task's reply.
type Sink struct {
	mu       sync.Mutex
	replied  bool
	attempts int
	values   []any
	err      *Error
	done     chan struct{}
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{done: make(chan struct{})}
}

// Resolve stores a successful reply.
func (s *Sink) Resolve(values ...any) error {
	return s.write(values, nil)
}

// Fail stores a failed reply.
func (s *Sink) Fail(err *Error) error {
	return s.write(nil, err)
}

func (s *Sink) write(values []any, err *Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.replied {
		return ErrAlreadyReplied
	}
	s.replied = true
	s.values = values
	s.err = err
	close(s.done)
	return nil
}

// Done is closed once a reply is stored.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Replied reports whether a reply was stored.
func (s *Sink) Replied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replied
}

// Result returns the stored reply. It is only meaningful after Done.
func (s *Sink) Result() ([]any, *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values, s.err
}

// Attempts counts every Resolve and Fail call, including rejected ones.
func (s *Sink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
