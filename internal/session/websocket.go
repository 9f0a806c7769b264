// ABOUTME: Dialer that speaks JSON frames to a session bridge over gorilla/websocket
// ABOUTME: One websocket per bot; sends are acknowledged by id, upstream events map to Callbacks

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame types exchanged with the bridge.
const (
	FrameHello       = "hello"
	FrameOpened      = "opened"
	FrameSend        = "send"
	FrameAck         = "ack"
	FrameError       = "error"
	FrameCredentials = "credentials"
	FrameClosed      = "closed"
)

// Frame is the wire envelope. []byte fields travel base64 encoded.
type Frame struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Target      string `json:"target,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	Credentials []byte `json:"credentials,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WebSocketDialer dials the bridge at URL for every session.
type WebSocketDialer struct {
	URL string
	// SendTimeout bounds a Send that has no earlier context deadline.
	SendTimeout time.Duration
	Logger      *slog.Logger

	dialer websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the bridge at url.
func NewWebSocketDialer(url string, sendTimeout time.Duration, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		URL:         url,
		SendTimeout: sendTimeout,
		Logger:      logger.With("component", "session"),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial connects and sends the hello frame carrying credentials.
func (d *WebSocketDialer) Dial(ctx context.Context, credentials []byte, cb Callbacks) (Session, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing bridge: %w", err)
	}

	s := &wsSession{
		conn:        conn,
		cb:          cb,
		sendTimeout: d.SendTimeout,
		pending:     make(map[string]chan error),
		done:        make(chan struct{}),
		logger:      d.Logger,
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := s.write(Frame{Type: FrameHello, Credentials: credentials}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn        *websocket.Conn
	cb          Callbacks
	sendTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	open         bool
	disconnected bool
	pending      map[string]chan error

	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *wsSession) readLoop() {
	var cause error
	defer func() { s.finish(cause) }()

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			cause = err
			return
		}

		switch f.Type {
		case FrameOpened:
			s.mu.Lock()
			s.open = true
			s.mu.Unlock()
			s.cb.opened()

		case FrameAck, FrameError:
			var result error
			if f.Type == FrameError {
				result = errors.New(f.Error)
			}
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- result
			}

		case FrameCredentials:
			s.cb.rotated(f.Credentials)

		case FrameClosed:
			cause = fmt.Errorf("bridge closed session: %s", f.Reason)
			return

		default:
			s.logger.Debug("ignoring unknown bridge frame", "type", f.Type)
		}
	}
}

// finish fails pending sends and fires OnClosed unless Disconnect was called.
func (s *wsSession) finish(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		s.open = false
		solicited := s.disconnected
		for id, ch := range s.pending {
			ch <- ErrClosed
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if !solicited {
			s.cb.closed(cause)
		}
	})
}

func (s *wsSession) Send(ctx context.Context, target string, payload []byte) error {
	s.mu.Lock()
	switch {
	case s.disconnected:
		s.mu.Unlock()
		return ErrClosed
	case !s.open:
		s.mu.Unlock()
		return ErrNotOpen
	}
	id := uuid.New().String()
	ch := make(chan error, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}

	if err := s.write(Frame{Type: FrameSend, ID: id, Target: target, Payload: payload}); err != nil {
		s.dropPending(id)
		return fmt.Errorf("writing send frame: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.dropPending(id)
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *wsSession) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *wsSession) Disconnect() error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return nil
	}
	s.disconnected = true
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	s.finish(nil)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("closing websocket: %w", err)
	}
	return nil
}
