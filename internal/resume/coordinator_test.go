// ABOUTME: Tests for boot-time resume with a fake clock, loopback sessions and SQLite
// ABOUTME: Verifies stagger spacing, grace cancellation on success and cleanup of stuck bots

package resume

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/clock"
	"github.com/2389/botfleet/internal/identity"
	"github.com/2389/botfleet/internal/lifecycle"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/scheduler"
	"github.com/2389/botfleet/internal/session"
	"github.com/2389/botfleet/internal/store"
	"github.com/2389/botfleet/internal/supervisor"
)

const (
	stagger = 3 * time.Second
	grace   = 2 * time.Minute
)

type fixture struct {
	store       *store.SQLiteStore
	identities  *identity.Registry
	clock       *clock.FakeClock
	dialer      *session.Loopback
	sup         *supervisor.Supervisor
	sched       *scheduler.Scheduler
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Metrics
	coord       *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:       s,
		identities:  identity.NewRegistry(s, nil),
		clock:       clock.Fake(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)),
		dialer:      &session.Loopback{ManualOpen: true},
		broadcaster: broadcast.New(nil),
		metrics:     metrics.New(prometheus.NewRegistry()),
	}
	t.Cleanup(f.broadcaster.Close)

	f.sup = supervisor.New(supervisor.Config{
		Dialer:    f.dialer,
		Store:     s,
		Publisher: f.broadcaster,
		Clock:     f.clock,
		// Longer than the grace period so the test decides which bots fail.
		ConnectTimeout: time.Hour,
	})
	t.Cleanup(f.sup.Shutdown)
	f.sched = scheduler.New(f.clock, nil)
	t.Cleanup(f.sched.Stop)

	machine := lifecycle.New(lifecycle.Config{
		Store:      s,
		Identities: f.identities,
		Supervisor: f.sup,
		Scheduler:  f.sched,
		Publisher:  f.broadcaster,
		Clock:      f.clock,
	})
	f.coord = New(Config{
		Store:       s,
		Supervisor:  f.sup,
		Lifecycle:   machine,
		Scheduler:   f.sched,
		Broadcaster: f.broadcaster,
		Metrics:     f.metrics,
		Stagger:     stagger,
		Grace:       grace,
	})
	return f
}

// seedApproved persists n approved, previously online bots with credentials.
func (f *fixture) seedApproved(t *testing.T, tenantName string, base, n int) []*store.BotInstance {
	t.Helper()
	_, err := f.store.EnsureTenant(t.Context(), tenantName, 50)
	require.NoError(t, err)

	var bots []*store.BotInstance
	for i := range n {
		ident := fmt.Sprintf("1555%07d", base+i)
		bot := &store.BotInstance{
			ID:             fmt.Sprintf("%s-%d", tenantName, i),
			Identity:       ident,
			Status:         store.StatusOnline,
			ApprovalStatus: store.ApprovalApproved,
			Credentials:    []byte(`{"me":{"id":"` + ident + `"}}`),
			Tenant:         tenantName,
		}
		_, err := f.identities.Register(t.Context(), ident, tenantName)
		require.NoError(t, err)
		require.NoError(t, f.store.CreateBot(t.Context(), bot))
		require.NoError(t, f.store.ApproveBot(t.Context(), bot.ID, f.clock.Now(), 12))
		require.NoError(t, f.store.UpdateBotStatus(t.Context(), bot.ID, store.StatusOnline))
		bots = append(bots, bot)
	}
	return bots
}

func (f *fixture) dialed() int { return len(f.dialer.Sessions()) }

func (f *fixture) waitDialed(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.dialed() == n }, 2*time.Second, 5*time.Millisecond,
		"expected %d sessions dialed", n)
}

func (f *fixture) status(t *testing.T, id string) store.BotStatus {
	t.Helper()
	bot, err := f.store.GetBot(t.Context(), id)
	require.NoError(t, err)
	return bot.Status
}

func TestRun_StaggersStarts(t *testing.T) {
	f := newFixture(t)
	bots := f.seedApproved(t, "alpha", 1000, 3)

	n, err := f.coord.Run(t.Context(), []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, b := range bots {
		assert.Equal(t, store.StatusLoading, f.status(t, b.ID), "resumed bots show loading at once")
	}

	f.waitDialed(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialed(), "second start waits for the stagger")

	f.clock.Advance(stagger - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialed())

	f.clock.Advance(time.Millisecond)
	f.waitDialed(t, 2)

	f.clock.Advance(stagger)
	f.waitDialed(t, 3)

	for i, sess := range f.dialer.Sessions() {
		assert.Equal(t, bots[i].Credentials, sess.Credentials, "bots resume oldest first")
	}
}

func TestRun_GraceCleanup(t *testing.T) {
	f := newFixture(t)
	bots := f.seedApproved(t, "alpha", 1000, 3)

	_, err := f.coord.Run(t.Context(), []string{"alpha"})
	require.NoError(t, err)
	f.waitDialed(t, 1)
	f.clock.Advance(stagger)
	f.waitDialed(t, 2)
	f.clock.Advance(stagger)
	f.waitDialed(t, 3)

	sessions := f.dialer.Sessions()
	sessions[0].Open()
	sessions[1].Open()
	// The third bot fails upstream and stays in error.
	sessions[2].Close(fmt.Errorf("logged out"))

	for _, b := range bots[:2] {
		require.Eventually(t, func() bool { return !f.sched.Pending(b.ID, TaskGrace) },
			2*time.Second, 5*time.Millisecond, "grace check for %s should be cancelled", b.ID)
	}
	assert.True(t, f.sched.Pending(bots[2].ID, TaskGrace))

	deleted, unsub := f.broadcaster.Subscribe(t.Context(), "alpha")
	defer f.broadcaster.Unsubscribe("alpha", unsub)

	f.clock.Advance(grace)

	_, err = f.store.GetBot(t.Context(), bots[2].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.identities.Lookup(t.Context(), bots[2].Identity)
	assert.ErrorIs(t, err, store.ErrNotFound, "identity freed")
	assert.False(t, f.sup.Live(bots[2].ID))

	for _, b := range bots[:2] {
		assert.Equal(t, store.StatusOnline, f.status(t, b.ID))
	}

	tn, err := f.store.GetTenant(t.Context(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, tn.ObservedCount, "tenant slot freed")

	action := store.ActivityAutoCleanup
	acts, err := f.store.ListActivity(t.Context(), store.ActivityFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, bots[2].ID, acts[0].BotID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ResumeCleanupsTotal))

	select {
	case ev := <-deleted:
		for ev.Type != broadcast.EventDeleted {
			ev = <-deleted
		}
		assert.Equal(t, bots[2].ID, ev.BotID)
		assert.Equal(t, lifecycle.ReasonUnrecoverableResume, ev.Detail["reason"])
	case <-time.After(time.Second):
		t.Fatal("no deletion event published")
	}
}

func TestRun_StuckLoadingIsCleanedUp(t *testing.T) {
	f := newFixture(t)
	bots := f.seedApproved(t, "alpha", 1000, 1)

	_, err := f.coord.Run(t.Context(), []string{"alpha"})
	require.NoError(t, err)
	f.waitDialed(t, 1)

	f.clock.Advance(grace)

	_, err = f.store.GetBot(t.Context(), bots[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, f.sup.Count())
}

func TestRun_OnlyHostedTenants(t *testing.T) {
	f := newFixture(t)
	f.seedApproved(t, "alpha", 1000, 2)
	beta := f.seedApproved(t, "beta", 2000, 1)

	pending := &store.BotInstance{
		ID:             "pending",
		Identity:       "15559990000",
		Status:         store.StatusDormant,
		ApprovalStatus: store.ApprovalPending,
		Credentials:    []byte(`{}`),
		Tenant:         "alpha",
	}
	require.NoError(t, f.store.CreateBot(t.Context(), pending))

	n, err := f.coord.Run(t.Context(), []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, store.StatusOnline, f.status(t, beta[0].ID), "other tenants are untouched")
	assert.Equal(t, store.StatusDormant, f.status(t, "pending"))

	n, err = f.coord.Run(t.Context(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_StopCancelsGrace(t *testing.T) {
	f := newFixture(t)
	bots := f.seedApproved(t, "alpha", 1000, 1)

	_, err := f.coord.Run(t.Context(), []string{"alpha"})
	require.NoError(t, err)
	f.waitDialed(t, 1)

	f.sched.CancelAll(bots[0].ID)
	f.clock.Advance(grace)

	_, err = f.store.GetBot(t.Context(), bots[0].ID)
	assert.NoError(t, err, "cancelled grace check never fires")
}
