// ABOUTME: Owns the runtime session of every bot in a single id-keyed handle table
// ABOUTME: Starts sessions asynchronously, writes their status back and routes outbound sends

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/clock"
	"github.com/2389/botfleet/internal/credential"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/session"
	"github.com/2389/botfleet/internal/store"
)

// ErrNoHandle indicates no handle exists for the bot id.
var ErrNoHandle = errors.New("no connection handle")

// ErrShutdown indicates the supervisor has been shut down.
var ErrShutdown = errors.New("supervisor shut down")

// ErrConnectTimeout is the cause recorded when a session does not open in time.
var ErrConnectTimeout = errors.New("connect timeout")

// ConnectionError is a transient failure to bring a session up or keep it up.
// The handle is left failed and is never retried automatically.
type ConnectionError struct {
	BotID string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection for bot %s: %v", e.BotID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

const (
	defaultConnectTimeout = 30 * time.Second
	writeBackTimeout      = 5 * time.Second
)

// Store is the persistence the supervisor writes back to.
type Store interface {
	UpdateBotStatus(ctx context.Context, id string, status store.BotStatus) error
	MarkBotConnected(ctx context.Context, id string, at time.Time) error
	UpdateBotCredentials(ctx context.Context, id string, credentials []byte) error
	IncrementUsage(ctx context.Context, id string, counter store.UsageCounter, delta int64) error
	AppendActivity(ctx context.Context, a *store.Activity) error
}

// Config holds the supervisor's collaborators.
type Config struct {
	Dialer         session.Dialer
	Store          Store
	Publisher      broadcast.Publisher
	Clock          clock.Clock
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	ConnectTimeout time.Duration
}

// Supervisor coordinates all bot sessions.
type Supervisor struct {
	dialer         session.Dialer
	store          Store
	publisher      broadcast.Publisher
	clock          clock.Clock
	metrics        *metrics.Metrics
	logger         *slog.Logger
	connectTimeout time.Duration

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = broadcast.Discard
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Supervisor{
		dialer:         cfg.Dialer,
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		clock:          cfg.Clock,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("component", "supervisor"),
		connectTimeout: cfg.ConnectTimeout,
		handles:        make(map[string]*handle),
	}
}

// Create adds a handle for the bot, or rebinds an existing handle to the
// bot's current credentials. A live session is left running.
func (s *Supervisor) Create(id string, bot *store.BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShutdown
	}

	h, ok := s.handles[id]
	if !ok {
		h = &handle{id: id, state: StateIdle}
		s.handles[id] = h
	}
	h.tenant = bot.Tenant
	h.identity = bot.Identity
	h.credentials = append([]byte(nil), bot.Credentials...)
	return nil
}

// Start opens the handle's session in the background. Progress is reported
// through status write-backs, not the return value. Starting a handle that
// is already connecting or connected does nothing.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return ErrNoHandle
	}
	if h.state == StateConnecting || h.state == StateConnected {
		s.mu.Unlock()
		return nil
	}

	h.generation++
	gen := h.generation
	h.state = StateConnecting
	h.lastErr = nil
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancelDial = cancel
	h.timeout = s.clock.AfterFunc(s.connectTimeout, func() {
		s.fail(id, gen, ErrConnectTimeout)
	})
	creds := h.credentials
	s.mu.Unlock()

	s.logger.Debug("starting session", "bot_id", id, "generation", gen)
	go s.dial(dialCtx, id, gen, creds)
	return nil
}

func (s *Supervisor) dial(ctx context.Context, id string, gen uint64, creds []byte) {
	cb := session.Callbacks{
		OnOpened:             func() { s.guard(id, "opened", func() { s.opened(id, gen) }) },
		OnClosed:             func(err error) { s.guard(id, "closed", func() { s.closedUpstream(id, gen, err) }) },
		OnCredentialsRotated: func(b []byte) { s.guard(id, "rotated", func() { s.rotated(id, gen, b) }) },
	}

	sess, err := s.safeDial(ctx, creds, cb)
	if err != nil {
		s.fail(id, gen, err)
		return
	}

	s.mu.Lock()
	h, ok := s.handles[id]
	current := ok && h.generation == gen && (h.state == StateConnecting || h.state == StateConnected)
	if current {
		h.session = sess
	}
	s.mu.Unlock()

	if !current {
		_ = sess.Disconnect()
	}
}

func (s *Supervisor) safeDial(ctx context.Context, creds []byte, cb session.Callbacks) (sess session.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dialer panic: %v", r)
		}
	}()
	return s.dialer.Dial(ctx, creds, cb)
}

// guard runs a session callback so that a panic stays inside one handle.
func (s *Supervisor) guard(id, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session callback panicked", "bot_id", id, "callback", name, "panic", r)
		}
	}()
	fn()
}

// stillCurrent reports whether h is still the table's handle for id at gen
// and in state want. Callers hold h.writeMu so Stop cannot slip in between
// the check and the write that follows it.
func (s *Supervisor) stillCurrent(h *handle, gen uint64, want State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.currentLocked(h.id, gen)
	return ok && cur == h && h.state == want
}

// currentLocked returns the handle when gen is still its generation. Caller holds s.mu.
func (s *Supervisor) currentLocked(id string, gen uint64) (*handle, bool) {
	h, ok := s.handles[id]
	if !ok || h.generation != gen {
		return nil, false
	}
	return h, true
}

func (s *Supervisor) opened(id string, gen uint64) {
	now := s.clock.Now()

	s.mu.Lock()
	h, ok := s.currentLocked(id, gen)
	if !ok || h.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	h.state = StateConnected
	h.openedAt = now
	timer := h.timeout
	h.timeout = nil
	tenant, identity := h.tenant, h.identity
	live := s.liveLocked()
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	s.logger.Info("=== SESSION CONNECTED ===",
		"bot_id", id,
		"tenant", tenant,
		"generation", gen,
		"live_sessions", live,
	)
	s.metrics.UpdateLiveSessions(live)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if !s.stillCurrent(h, gen, StateConnected) {
		s.logger.Debug("skipping online write-back for superseded session", "bot_id", id, "generation", gen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
	defer cancel()
	if err := s.store.IncrementUsage(ctx, id, store.UsageConnections, 1); err != nil {
		s.logger.Warn("failed to count connection", "bot_id", id, "error", err)
	}
	if err := s.store.MarkBotConnected(ctx, id, now); err != nil {
		s.logger.Error("failed to mark bot online", "bot_id", id, "error", err)
	}
	s.metrics.RecordStatus(string(store.StatusOnline))
	s.publisher.Publish(broadcast.Event{
		Type:     broadcast.EventStatus,
		BotID:    id,
		Tenant:   tenant,
		Identity: identity,
		Status:   store.StatusOnline,
	})
}

func (s *Supervisor) closedUpstream(id string, gen uint64, cause error) {
	if cause == nil {
		cause = session.ErrClosed
	}
	s.fail(id, gen, cause)
}

// fail moves the handle to failed and writes status error. It is a no-op for
// stale generations and for handles that already left connecting/connected.
func (s *Supervisor) fail(id string, gen uint64, cause error) {
	s.mu.Lock()
	h, ok := s.currentLocked(id, gen)
	if !ok || (h.state != StateConnecting && h.state != StateConnected) {
		s.mu.Unlock()
		return
	}
	wasConnected := h.state == StateConnected
	h.state = StateFailed
	h.lastErr = &ConnectionError{BotID: id, Err: cause}
	sess, cancel, timer := h.detach()
	tenant, identity := h.tenant, h.identity
	live := s.liveLocked()
	s.mu.Unlock()

	teardown(sess, cancel, timer)

	if wasConnected {
		s.logger.Info("=== SESSION DISCONNECTED ===",
			"bot_id", id,
			"tenant", tenant,
			"error", cause,
			"live_sessions", live,
		)
	} else {
		s.logger.Warn("session failed to open", "bot_id", id, "tenant", tenant, "error", cause)
	}
	s.metrics.UpdateLiveSessions(live)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if !s.stillCurrent(h, gen, StateFailed) {
		s.logger.Debug("skipping error write-back for superseded session", "bot_id", id, "generation", gen)
		return
	}

	ctx, cancelWrite := context.WithTimeout(context.Background(), writeBackTimeout)
	defer cancelWrite()
	if err := s.store.UpdateBotStatus(ctx, id, store.StatusError); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("failed to mark bot error", "bot_id", id, "error", err)
	}
	s.metrics.RecordStatus(string(store.StatusError))
	s.publisher.Publish(broadcast.Event{
		Type:     broadcast.EventStatus,
		BotID:    id,
		Tenant:   tenant,
		Identity: identity,
		Status:   store.StatusError,
		Detail:   map[string]any{"error": cause.Error()},
	})
}

func (s *Supervisor) rotated(id string, gen uint64, blob []byte) {
	s.mu.Lock()
	h, ok := s.currentLocked(id, gen)
	if !ok {
		s.mu.Unlock()
		return
	}
	h.credentials = append([]byte(nil), blob...)
	tenant, identity := h.tenant, h.identity
	s.mu.Unlock()

	fp := credential.Fingerprint(blob)
	s.logger.Info("credentials rotated", "bot_id", id, "fingerprint", fp)

	ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
	defer cancel()
	if err := s.store.UpdateBotCredentials(ctx, id, blob); err != nil {
		s.logger.Error("failed to persist rotated credentials", "bot_id", id, "error", err)
		return
	}
	if err := s.store.AppendActivity(ctx, &store.Activity{
		BotID:    id,
		Tenant:   tenant,
		Identity: identity,
		Action:   store.ActivityCredentialsRotated,
		Actor:    store.ActorSystem,
		Detail:   map[string]any{"fingerprint": fp},
	}); err != nil {
		s.logger.Warn("failed to record rotation", "bot_id", id, "error", err)
	}
	s.publisher.Publish(broadcast.Event{
		Type:     broadcast.EventCredentialsRotated,
		BotID:    id,
		Tenant:   tenant,
		Identity: identity,
		Detail:   map[string]any{"fingerprint": fp},
	})
}

// Stop closes the handle's session without a status write-back. Absent ids
// and stopped handles are ignored. A write-back already in flight finishes
// before Stop returns, so a status the caller writes afterwards is final.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasConnected := s.stopLocked(h)
	sess, cancel, timer := h.detach()
	tenant := h.tenant
	live := s.liveLocked()
	s.mu.Unlock()

	teardown(sess, cancel, timer)
	h.awaitWriteBack()
	if wasConnected {
		s.logger.Info("=== SESSION DISCONNECTED ===",
			"bot_id", id,
			"tenant", tenant,
			"reason", "stopped",
			"live_sessions", live,
		)
	}
	s.metrics.UpdateLiveSessions(live)
}

// stopLocked bumps the generation so pending callbacks are ignored.
func (s *Supervisor) stopLocked(h *handle) (wasConnected bool) {
	wasConnected = h.state == StateConnected
	h.generation++
	h.state = StateStopped
	return wasConnected
}

// Restart stops and starts the handle.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	s.Stop(id)
	return s.Start(ctx, id)
}

// Destroy stops the handle and removes it. Destroying an absent id is a no-op.
// Like Stop it waits for an in-flight write-back.
func (s *Supervisor) Destroy(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasConnected := s.stopLocked(h)
	sess, cancel, timer := h.detach()
	delete(s.handles, id)
	tenant := h.tenant
	live := s.liveLocked()
	s.mu.Unlock()

	teardown(sess, cancel, timer)
	h.awaitWriteBack()
	if wasConnected {
		s.logger.Info("=== SESSION DISCONNECTED ===",
			"bot_id", id,
			"tenant", tenant,
			"reason", "destroyed",
			"live_sessions", live,
		)
	}
	s.metrics.UpdateLiveSessions(live)
}

// SendThrough sends payload through the bot's session. It reports false when
// there is no connected session or the session rejects the send.
func (s *Supervisor) SendThrough(ctx context.Context, id, target string, payload []byte) (delivered bool) {
	s.mu.Lock()
	h, ok := s.handles[id]
	var sess session.Session
	if ok && h.state == StateConnected {
		sess = h.session
	}
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("send panicked", "bot_id", id, "panic", r)
			delivered = false
		}
		s.metrics.RecordSend(delivered)
	}()

	if sess == nil {
		return false
	}
	if err := sess.Send(ctx, target, payload); err != nil {
		s.logger.Debug("send failed", "bot_id", id, "error", err)
		return false
	}
	if err := s.store.IncrementUsage(ctx, id, store.UsageMessagesSent, 1); err != nil {
		s.logger.Warn("failed to count sent message", "bot_id", id, "error", err)
	}
	return true
}

// Live reports whether the bot has a connected session.
func (s *Supervisor) Live(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return ok && h.state == StateConnected
}

// Info returns a snapshot of the bot's handle.
func (s *Supervisor) Info(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

// Count returns the number of handles.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// LiveCount returns the number of connected handles.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Supervisor) liveLocked() int {
	n := 0
	for _, h := range s.handles {
		if h.state == StateConnected {
			n++
		}
	}
	return n
}

// Shutdown destroys every handle and refuses further Create and Start calls.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Destroy(id)
	}
	s.logger.Info("supervisor shut down", "handles", len(ids))
}

func teardown(sess session.Session, cancel context.CancelFunc, timer *clock.Timer) {
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Disconnect()
	}
}
