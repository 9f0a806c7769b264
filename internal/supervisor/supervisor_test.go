// ABOUTME: Tests for the connection supervisor using loopback sessions and a SQLite store
// ABOUTME: Covers write-backs, stale callbacks, connect timeouts, sends and idempotent teardown

package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/clock"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/session"
	"github.com/2389/botfleet/internal/store"
)

const waitFor = 2 * time.Second

type events struct {
	mu  sync.Mutex
	got []broadcast.Event
}

func (e *events) Publish(ev broadcast.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) statuses(botID string) []store.BotStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []store.BotStatus
	for _, ev := range e.got {
		if ev.BotID == botID && ev.Type == broadcast.EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	store   *store.SQLiteStore
	dialer  *session.Loopback
	clock   *clock.FakeClock
	events  *events
	metrics *metrics.Metrics
	sup     *Supervisor
}

func newFixture(t *testing.T, dialer *session.Loopback) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.EnsureTenant(t.Context(), "alpha", 10)
	require.NoError(t, err)

	f := &fixture{
		store:   s,
		dialer:  dialer,
		clock:   clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		events:  &events{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.sup = New(Config{
		Dialer:         dialer,
		Store:          s,
		Publisher:      f.events,
		Clock:          f.clock,
		Metrics:        f.metrics,
		ConnectTimeout: 30 * time.Second,
	})
	t.Cleanup(f.sup.Shutdown)
	return f
}

func (f *fixture) seed(t *testing.T, id, ident string) *store.BotInstance {
	t.Helper()
	bot := &store.BotInstance{
		ID:             id,
		Identity:       ident,
		Status:         store.StatusLoading,
		ApprovalStatus: store.ApprovalApproved,
		Credentials:    []byte(`{"me":{"id":"` + ident + `"}}`),
		Tenant:         "alpha",
	}
	require.NoError(t, f.store.CreateBot(t.Context(), bot))
	require.NoError(t, f.sup.Create(id, bot))
	return bot
}

func (f *fixture) status(t *testing.T, id string) store.BotStatus {
	t.Helper()
	bot, err := f.store.GetBot(context.Background(), id)
	require.NoError(t, err)
	return bot.Status
}

func (f *fixture) waitStatus(t *testing.T, id string, want store.BotStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.status(t, id) == want
	}, waitFor, 5*time.Millisecond, "bot %s never reached %s", id, want)
}

// lastSession waits for the n-th dialed session.
func (f *fixture) lastSession(t *testing.T, n int) *session.LoopbackSession {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.dialer.Sessions()) >= n
	}, waitFor, 5*time.Millisecond)
	return f.dialer.Sessions()[n-1]
}

func TestStart_OpenedWritesOnline(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	f.waitStatus(t, "b1", store.StatusOnline)

	assert.True(t, f.sup.Live("b1"))
	bot, err := f.store.GetBot(t.Context(), "b1")
	require.NoError(t, err)
	require.NotNil(t, bot.LastConnectedAt)
	assert.True(t, bot.LastConnectedAt.Equal(f.clock.Now()))

	usage, err := f.store.GetUsage(t.Context(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage[store.UsageConnections])

	require.Eventually(t, func() bool { return len(f.events.statuses("b1")) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []store.BotStatus{store.StatusOnline}, f.events.statuses("b1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LiveSessions))
	assert.Equal(t, 0, f.clock.PendingCount(), "connect timeout should be disarmed")
}

func TestStart_UnknownHandle(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	assert.ErrorIs(t, f.sup.Start(t.Context(), "missing"), ErrNoHandle)
}

func TestStart_AlreadyConnectingIsNoop(t *testing.T) {
	f := newFixture(t, &session.Loopback{ManualOpen: true})
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	require.NoError(t, f.sup.Start(t.Context(), "b1"))

	f.lastSession(t, 1)
	info, ok := f.sup.Info("b1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.Generation)
	assert.Len(t, f.dialer.Sessions(), 1)
}

func TestStart_DialFailureWritesError(t *testing.T) {
	boom := errors.New("bridge unreachable")
	f := newFixture(t, &session.Loopback{DialErr: func([]byte) error { return boom }})
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	f.waitStatus(t, "b1", store.StatusError)

	info, ok := f.sup.Info("b1")
	require.True(t, ok, "failed handles are kept")
	assert.Equal(t, StateFailed, info.State)

	var connErr *ConnectionError
	require.ErrorAs(t, info.LastError, &connErr)
	assert.ErrorIs(t, connErr, boom)
	assert.False(t, f.sup.Live("b1"))
}

func TestStart_ConnectTimeout(t *testing.T) {
	f := newFixture(t, &session.Loopback{ManualOpen: true})
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	sess := f.lastSession(t, 1)

	f.clock.Advance(30 * time.Second)
	f.waitStatus(t, "b1", store.StatusError)

	info, _ := f.sup.Info("b1")
	assert.Equal(t, StateFailed, info.State)
	assert.ErrorIs(t, info.LastError, ErrConnectTimeout)

	// The timed-out session was torn down; a late open changes nothing.
	require.Eventually(t, sess.Closed, waitFor, 5*time.Millisecond)
	sess.Open()
	assert.False(t, f.sup.Live("b1"))
	assert.Equal(t, store.StatusError, f.status(t, "b1"))
}

func TestUnsolicitedCloseWritesError(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	f.waitStatus(t, "b1", store.StatusOnline)

	f.lastSession(t, 1).Close(errors.New("logged out"))
	f.waitStatus(t, "b1", store.StatusError)

	assert.False(t, f.sup.Live("b1"))
	require.Eventually(t, func() bool { return len(f.events.statuses("b1")) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []store.BotStatus{store.StatusOnline, store.StatusError}, f.events.statuses("b1"))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.LiveSessions))
}

func TestCredentialsRotatedArePersisted(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	f.waitStatus(t, "b1", store.StatusOnline)

	rotated := []byte(`{"me":{"id":"15550000001"},"v":2}`)
	f.lastSession(t, 1).Rotate(rotated)

	bot, err := f.store.GetBot(t.Context(), "b1")
	require.NoError(t, err)
	assert.Equal(t, rotated, bot.Credentials)

	action := store.ActivityCredentialsRotated
	acts, err := f.store.ListActivity(t.Context(), store.ActivityFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "b1", acts[0].BotID)
	assert.NotEmpty(t, acts[0].Detail["fingerprint"])

	// A restart dials with the rotated blob.
	require.NoError(t, f.sup.Restart(t.Context(), "b1"))
	assert.Equal(t, rotated, f.lastSession(t, 2).Credentials)
}

func TestStop_IgnoresStaleCallbacks(t *testing.T) {
	f := newFixture(t, &session.Loopback{ManualOpen: true})
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	first := f.lastSession(t, 1)

	f.sup.Stop("b1")
	first.Open()
	first.Close(errors.New("late"))

	info, ok := f.sup.Info("b1")
	require.True(t, ok)
	assert.Equal(t, StateStopped, info.State)
	assert.Equal(t, store.StatusLoading, f.status(t, "b1"), "stop does not write status")
	assert.Empty(t, f.events.statuses("b1"))
	assert.Equal(t, 0, f.clock.PendingCount())
}

// gatedStore holds one status write-back until released.
type gatedStore struct {
	*store.SQLiteStore
	hold    store.BotStatus
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(s *store.SQLiteStore, hold store.BotStatus) *gatedStore {
	return &gatedStore{SQLiteStore: s, hold: hold, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) wait(status store.BotStatus) {
	if status != g.hold {
		return
	}
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gatedStore) MarkBotConnected(ctx context.Context, id string, at time.Time) error {
	g.wait(store.StatusOnline)
	return g.SQLiteStore.MarkBotConnected(ctx, id, at)
}

func (g *gatedStore) UpdateBotStatus(ctx context.Context, id string, status store.BotStatus) error {
	g.wait(status)
	return g.SQLiteStore.UpdateBotStatus(ctx, id, status)
}

// gatedSupervisor builds a supervisor over f's store whose write-back of
// status hold blocks until the returned release func is called.
func gatedSupervisor(t *testing.T, f *fixture, dialer session.Dialer, hold store.BotStatus) (*Supervisor, *gatedStore, func()) {
	t.Helper()
	gs := newGatedStore(f.store, hold)
	sup := New(Config{Dialer: dialer, Store: gs, Publisher: f.events, Clock: f.clock})
	t.Cleanup(sup.Shutdown)
	var once sync.Once
	release := func() { once.Do(func() { close(gs.release) }) }
	t.Cleanup(release)
	return sup, gs, release
}

// stopThenWrite stops the handle and writes status the way lifecycle
// operations do. The returned channel receives the write result.
func stopThenWrite(f *fixture, sup *Supervisor, id string, status store.BotStatus) <-chan error {
	done := make(chan error, 1)
	go func() {
		sup.Stop(id)
		done <- f.store.UpdateBotStatus(context.Background(), id, status)
	}()
	return done
}

func TestStop_WaitsForInFlightOnlineWriteBack(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	sup, gs, release := gatedSupervisor(t, f, session.NewLoopback(), store.StatusOnline)
	bot := f.seed(t, "b1", "15550000001")
	require.NoError(t, sup.Create("b1", bot))

	require.NoError(t, sup.Start(t.Context(), "b1"))
	select {
	case <-gs.entered:
	case <-time.After(waitFor):
		t.Fatal("online write-back never started")
	}

	done := stopThenWrite(f, sup, "b1", store.StatusOffline)
	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"stop must wait for the online write-back")

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop never returned")
	}

	assert.Equal(t, store.StatusOffline, f.status(t, "b1"))
	assert.False(t, sup.Live("b1"))
}

func TestStop_WaitsForInFlightErrorWriteBack(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	dialer := &session.Loopback{DialErr: func([]byte) error { return errors.New("bridge unreachable") }}
	sup, gs, release := gatedSupervisor(t, f, dialer, store.StatusError)
	bot := f.seed(t, "b1", "15550000001")
	require.NoError(t, sup.Create("b1", bot))

	require.NoError(t, sup.Start(t.Context(), "b1"))
	select {
	case <-gs.entered:
	case <-time.After(waitFor):
		t.Fatal("error write-back never started")
	}

	done := stopThenWrite(f, sup, "b1", store.StatusOffline)
	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop never returned")
	}

	assert.Equal(t, store.StatusOffline, f.status(t, "b1"))
	info, ok := sup.Info("b1")
	require.True(t, ok)
	assert.Equal(t, StateStopped, info.State)
}

func TestDestroy_WaitsForInFlightOnlineWriteBack(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	sup, gs, release := gatedSupervisor(t, f, session.NewLoopback(), store.StatusOnline)
	bot := f.seed(t, "b1", "15550000001")
	require.NoError(t, sup.Create("b1", bot))

	require.NoError(t, sup.Start(t.Context(), "b1"))
	select {
	case <-gs.entered:
	case <-time.After(waitFor):
		t.Fatal("online write-back never started")
	}

	destroyed := make(chan struct{})
	go func() {
		sup.Destroy("b1")
		close(destroyed)
	}()
	release()
	select {
	case <-destroyed:
	case <-time.After(waitFor):
		t.Fatal("destroy never returned")
	}

	require.NoError(t, f.store.UpdateBotStatus(t.Context(), "b1", store.StatusOffline))
	assert.Equal(t, store.StatusOffline, f.status(t, "b1"))
	assert.Equal(t, 0, sup.Count())
}

func TestRestart_NewGeneration(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	f.waitStatus(t, "b1", store.StatusOnline)
	first := f.lastSession(t, 1)

	require.NoError(t, f.sup.Restart(t.Context(), "b1"))
	f.lastSession(t, 2)
	require.Eventually(t, func() bool { return f.sup.Live("b1") }, waitFor, 5*time.Millisecond)

	require.Eventually(t, first.Closed, waitFor, 5*time.Millisecond)
	info, _ := f.sup.Info("b1")
	assert.Equal(t, uint64(3), info.Generation, "start, stop and start each bump the generation")

	// The superseded session closing must not mark the bot failed.
	first.Close(errors.New("old"))
	assert.True(t, f.sup.Live("b1"))
}

func TestDestroy_Idempotent(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	f.seed(t, "b1", "15550000001")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	f.waitStatus(t, "b1", store.StatusOnline)

	f.sup.Destroy("b1")
	f.sup.Destroy("b1")
	f.sup.Destroy("never-existed")
	f.sup.Stop("never-existed")

	assert.Equal(t, 0, f.sup.Count())
	assert.False(t, f.sup.Live("b1"))
	require.Eventually(t, f.lastSession(t, 1).Closed, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, f.sup.Restart(t.Context(), "b1"), ErrNoHandle)
}

func TestSendThrough(t *testing.T) {
	f := newFixture(t, &session.Loopback{ManualOpen: true})
	f.seed(t, "b1", "15550000001")

	assert.False(t, f.sup.SendThrough(t.Context(), "missing", "15559999999", []byte("x")))
	assert.False(t, f.sup.SendThrough(t.Context(), "b1", "15559999999", []byte("x")), "idle handle")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	sess := f.lastSession(t, 1)
	assert.False(t, f.sup.SendThrough(t.Context(), "b1", "15559999999", []byte("x")), "not opened yet")

	sess.Open()
	require.Eventually(t, func() bool { return f.sup.Live("b1") }, waitFor, 5*time.Millisecond)
	// The session is attached once Dial has returned.
	require.Eventually(t, func() bool {
		return f.sup.SendThrough(t.Context(), "b1", "15559999999", []byte("hello"))
	}, waitFor, 5*time.Millisecond)

	sess.FailSends(errors.New("recipient unknown"))
	assert.False(t, f.sup.SendThrough(t.Context(), "b1", "15559999999", []byte("again")))

	require.Len(t, sess.Sent(), 1)
	assert.Equal(t, []byte("hello"), sess.Sent()[0].Payload)

	usage, err := f.store.GetUsage(t.Context(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage[store.UsageMessagesSent])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SendsTotal.WithLabelValues("delivered")))
}

// panicDialer returns sessions whose Send panics.
type panicDialer struct{}

func (panicDialer) Dial(_ context.Context, _ []byte, cb session.Callbacks) (session.Session, error) {
	go cb.OnOpened()
	return panicSession{}, nil
}

type panicSession struct{}

func (panicSession) Send(context.Context, string, []byte) error { panic("send exploded") }
func (panicSession) Disconnect() error                          { return nil }

func TestSendThrough_RecoversPanic(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.EnsureTenant(t.Context(), "alpha", 10)
	require.NoError(t, err)

	sup := New(Config{Dialer: panicDialer{}, Store: s})
	t.Cleanup(sup.Shutdown)

	bot := &store.BotInstance{ID: "b1", Identity: "15550000001", Status: store.StatusLoading,
		ApprovalStatus: store.ApprovalApproved, Tenant: "alpha"}
	require.NoError(t, s.CreateBot(t.Context(), bot))
	require.NoError(t, sup.Create("b1", bot))
	require.NoError(t, sup.Start(t.Context(), "b1"))

	require.Eventually(t, func() bool {
		info, _ := sup.Info("b1")
		return info.State == StateConnected
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.handles["b1"].session != nil
	}, waitFor, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		assert.False(t, sup.SendThrough(t.Context(), "b1", "15559999999", []byte("x")))
	})
}

// panicPublisher blows up on every publish.
type panicPublisher struct{}

func (panicPublisher) Publish(broadcast.Event) { panic("subscriber exploded") }

func TestCallbackPanicIsContained(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.EnsureTenant(t.Context(), "alpha", 10)
	require.NoError(t, err)

	sup := New(Config{Dialer: session.NewLoopback(), Store: s, Publisher: panicPublisher{}})
	t.Cleanup(sup.Shutdown)

	for _, id := range []string{"b1", "b2"} {
		bot := &store.BotInstance{ID: id, Identity: "1555000000" + id[1:], Status: store.StatusLoading,
			ApprovalStatus: store.ApprovalApproved, Tenant: "alpha"}
		require.NoError(t, s.CreateBot(t.Context(), bot))
		require.NoError(t, sup.Create(id, bot))
		require.NoError(t, sup.Start(t.Context(), id))
	}

	require.Eventually(t, func() bool {
		return sup.Live("b1") && sup.Live("b2")
	}, waitFor, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, session.NewLoopback())
	f.seed(t, "b1", "15550000001")
	f.seed(t, "b2", "15550000002")

	require.NoError(t, f.sup.Start(t.Context(), "b1"))
	require.NoError(t, f.sup.Start(t.Context(), "b2"))
	require.Eventually(t, func() bool { return f.sup.LiveCount() == 2 }, waitFor, 5*time.Millisecond)

	f.sup.Shutdown()

	assert.Equal(t, 0, f.sup.Count())
	for _, sess := range f.dialer.Sessions() {
		require.Eventually(t, sess.Closed, waitFor, 5*time.Millisecond)
	}
	assert.ErrorIs(t, f.sup.Create("b3", &store.BotInstance{}), ErrShutdown)
	assert.ErrorIs(t, f.sup.Start(t.Context(), "b1"), ErrShutdown)
}
