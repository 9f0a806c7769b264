// ABOUTME: In-memory Dialer whose sessions are driven by the caller
// ABOUTME: Used for development without a bridge and by tests to script opens, closes and rotations

package session

import (
	"context"
	"sync"
)

// Message is one payload accepted by a loopback session.
type Message struct {
	Target  string
	Payload []byte
}

// Loopback is an in-memory Dialer. By default each session reports opened
// right after Dial returns.
type Loopback struct {
	// DialErr, when set, is consulted on every Dial; a non-nil result fails it.
	DialErr func(credentials []byte) error
	// ManualOpen disables the automatic opened callback; call Open instead.
	ManualOpen bool

	mu       sync.Mutex
	sessions []*LoopbackSession
}

// NewLoopback creates a Loopback dialer with automatic open.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Dial creates a loopback session.
func (l *Loopback) Dial(ctx context.Context, credentials []byte, cb Callbacks) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.DialErr != nil {
		if err := l.DialErr(credentials); err != nil {
			return nil, err
		}
	}

	s := &LoopbackSession{
		Credentials: append([]byte(nil), credentials...),
		cb:          cb,
	}

	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	manual := l.ManualOpen
	l.mu.Unlock()

	if !manual {
		go s.Open()
	}
	return s, nil
}

// Sessions returns every session dialed so far, oldest first.
func (l *Loopback) Sessions() []*LoopbackSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LoopbackSession(nil), l.sessions...)
}

// Last returns the most recent session, or nil.
func (l *Loopback) Last() *LoopbackSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

// LoopbackSession is a Session whose upstream events are triggered by the caller.
type LoopbackSession struct {
	Credentials []byte

	cb Callbacks

	mu      sync.Mutex
	open    bool
	closed  bool
	sent    []Message
	sendErr error // returned by Send when set
}

// Open reports the session as opened.
func (s *LoopbackSession) Open() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.open = true
	s.mu.Unlock()
	s.cb.opened()
}

// Close simulates an upstream close.
func (s *LoopbackSession) Close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.open = false
	s.mu.Unlock()
	s.cb.closed(err)
}

// Rotate simulates the upstream issuing new credentials.
func (s *LoopbackSession) Rotate(credentials []byte) {
	s.cb.rotated(credentials)
}

// FailSends makes subsequent Send calls return err. Pass nil to clear.
func (s *LoopbackSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send records the message.
func (s *LoopbackSession) Send(ctx context.Context, target string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.open:
		return ErrNotOpen
	case s.sendErr != nil:
		return s.sendErr
	}
	s.sent = append(s.sent, Message{Target: target, Payload: append([]byte(nil), payload...)})
	return nil
}

// Disconnect closes the session without a callback.
func (s *LoopbackSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.open = false
	return nil
}

// Sent returns the messages accepted so far.
func (s *LoopbackSession) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

// Closed reports whether the session was disconnected or closed upstream.
func (s *LoopbackSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
