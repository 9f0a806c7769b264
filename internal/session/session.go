// ABOUTME: Session client contract between the supervisor and the upstream messaging bridge
// ABOUTME: A Dialer opens one Session per bot; sessions report opened, closed and rotated credentials

package session

import (
	"context"
	"errors"
)

// ErrNotOpen is returned by Send when the session is not open.
var ErrNotOpen = errors.New("session not open")

// ErrClosed is returned by Send after Disconnect or an upstream close.
var ErrClosed = errors.New("session closed")

// Callbacks are invoked by a Session from its own goroutine. They must not block.
type Callbacks struct {
	// OnOpened fires when the upstream session is ready to send.
	OnOpened func()
	// OnClosed fires when the upstream closes the session without a
	// Disconnect call. err describes why, and may be nil.
	OnClosed func(err error)
	// OnCredentialsRotated fires when the upstream issues a new credential blob.
	OnCredentialsRotated func(credentials []byte)
}

func (c Callbacks) opened() {
	if c.OnOpened != nil {
		c.OnOpened()
	}
}

func (c Callbacks) closed(err error) {
	if c.OnClosed != nil {
		c.OnClosed(err)
	}
}

func (c Callbacks) rotated(credentials []byte) {
	if c.OnCredentialsRotated != nil {
		c.OnCredentialsRotated(credentials)
	}
}

// Session is one live upstream session.
type Session interface {
	// Send delivers payload to target. It returns once the upstream has
	// accepted or refused the message.
	Send(ctx context.Context, target string, payload []byte) error
	// Disconnect closes the session. OnClosed is not invoked. Safe to call twice.
	Disconnect() error
}

// Dialer creates sessions. Dial returns once the transport is established;
// OnOpened follows asynchronously when the upstream session is ready.
type Dialer interface {
	Dial(ctx context.Context, credentials []byte, cb Callbacks) (Session, error)
}
