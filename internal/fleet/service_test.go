// ABOUTME: End-to-end tests of the fleet facade over a real SQLite store and loopback sessions
// ABOUTME: Includes the concurrent registration uniqueness property and tenant context switching

package fleet

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/capacity"
	"github.com/2389/botfleet/internal/identity"
	"github.com/2389/botfleet/internal/lifecycle"
	"github.com/2389/botfleet/internal/session"
	"github.com/2389/botfleet/internal/store"
	"github.com/2389/botfleet/internal/supervisor"
	"github.com/2389/botfleet/internal/tenant"
)

type fixture struct {
	store       *store.SQLiteStore
	tenants     *tenant.Registry
	identities  *identity.Registry
	dialer      *session.Loopback
	broadcaster *broadcast.Broadcaster
	svc         *Service
}

func newFixture(t *testing.T, scope tenant.Context) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:       s,
		tenants:     tenant.NewRegistry(s, nil),
		identities:  identity.NewRegistry(s, nil),
		dialer:      session.NewLoopback(),
		broadcaster: broadcast.New(nil),
	}
	t.Cleanup(f.broadcaster.Close)

	sup := supervisor.New(supervisor.Config{Dialer: f.dialer, Store: s, Publisher: f.broadcaster})
	t.Cleanup(sup.Shutdown)

	orch := capacity.New(capacity.Config{Tenants: f.tenants, Identities: f.identities, Store: s})
	machine := lifecycle.New(lifecycle.Config{
		Store:      s,
		Identities: f.identities,
		Supervisor: sup,
		Publisher:  f.broadcaster,
		Locks:      orch.Locks(),
	})
	f.svc = New(Config{
		Scope:      scope,
		Store:      s,
		Tenants:    f.tenants,
		Identities: f.identities,
		Capacity:   orch,
		Lifecycle:  machine,
		Supervisor: sup,
		Publisher:  f.broadcaster,
	})
	_, err = f.tenants.Assert(t.Context(), scope)
	require.NoError(t, err)
	return f
}

func (f *fixture) addTenant(t *testing.T, name string, max int) {
	t.Helper()
	_, err := f.tenants.Ensure(t.Context(), tenant.Context{Name: name, DefaultCapacity: max})
	require.NoError(t, err)
}

func credsFor(ident string) []byte {
	return []byte(`{"me":{"id":"` + ident + `@s.whatsapp.net"}}`)
}

func request(tenantName, ident string) RegisterRequest {
	return RegisterRequest{
		Tenant:      tenantName,
		DisplayName: "bot " + ident,
		Identity:    ident,
		Credentials: credsFor(ident),
		Actor:       "owner",
	}
}

func TestRegisterBot_Accepted(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 5})

	reg, err := f.svc.RegisterBot(t.Context(), request("", "15551230001"))
	require.NoError(t, err)
	assert.Equal(t, capacity.Accepted, reg.Outcome)
	assert.Equal(t, "alpha", reg.Tenant)
	assert.False(t, reg.Redistributed())
	assert.Equal(t, store.StatusDormant, reg.Bot.Status)

	st, err := f.svc.CheckIdentity(t.Context(), "+1 555 123 0001")
	require.NoError(t, err)
	assert.True(t, st.Owned)
	assert.Equal(t, "alpha", st.Tenant)
	require.True(t, st.HasInstance)
	assert.Equal(t, reg.Bot.ID, st.Instance.ID)
	assert.False(t, st.Instance.Live)
}

func TestRegisterBot_RedistributedDisclosesTenant(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 1})
	f.addTenant(t, "beta", 3)
	f.addTenant(t, "gamma", 3)

	_, err := f.svc.RegisterBot(t.Context(), request("", "15551230001"))
	require.NoError(t, err)
	_, err = f.svc.RegisterBot(t.Context(), request("gamma", "15551230002"))
	require.NoError(t, err)

	reg, err := f.svc.RegisterBot(t.Context(), request("", "15551230003"))
	require.NoError(t, err)
	assert.True(t, reg.Redistributed())
	assert.Equal(t, "beta", reg.Tenant, "least loaded alternate")
	assert.Equal(t, "alpha", reg.Requested)

	owner, err := f.identities.Owner(t.Context(), "15551230003")
	require.NoError(t, err)
	assert.Equal(t, "beta", owner)
}

func TestRegisterBot_AllServersFull(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 1})

	_, err := f.svc.RegisterBot(t.Context(), request("", "15551230001"))
	require.NoError(t, err)

	_, err = f.svc.RegisterBot(t.Context(), request("", "15551230002"))
	require.ErrorIs(t, err, capacity.ErrAllServersFull)

	st, err := f.svc.CheckIdentity(t.Context(), "15551230002")
	require.NoError(t, err)
	assert.False(t, st.Owned)
	assert.False(t, st.HasInstance)
}

func TestRegisterBot_ValidationError(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 5})

	req := request("", "15551230001")
	req.Credentials = credsFor("15559999999")
	_, err := f.svc.RegisterBot(t.Context(), req)

	var verr *lifecycle.ValidationError
	require.ErrorAs(t, err, &verr)

	bots, err := f.svc.ListBots(t.Context(), store.BotFilter{})
	require.NoError(t, err)
	assert.Empty(t, bots)
}

func TestRegisterBot_Conflict(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 5})
	f.addTenant(t, "beta", 5)

	_, err := f.svc.RegisterBot(t.Context(), request("alpha", "15551230001"))
	require.NoError(t, err)

	_, err = f.svc.RegisterBot(t.Context(), request("beta", "15551230001"))
	conflict, ok := identity.IsConflict(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "alpha", conflict.Owner)

	_, err = f.svc.RegisterBot(t.Context(), request("alpha", "15551230001"))
	conflict, ok = identity.IsConflict(err)
	require.True(t, ok, "a second bot for the same identity is a conflict too")
	assert.Equal(t, "alpha", conflict.Owner)
}

func TestRegisterBot_ConcurrentUniqueness(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 50})
	f.addTenant(t, "beta", 50)

	for round := range 10 {
		ident := fmt.Sprintf("1555777%04d", round)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, name := range []string{"alpha", "beta"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = f.svc.RegisterBot(t.Context(), request(name, ident))
			}()
		}
		wg.Wait()

		accepted, conflicts := 0, 0
		for _, err := range results {
			switch {
			case err == nil:
				accepted++
			case errors.As(err, new(*identity.ConflictError)):
				conflicts++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		require.Equal(t, 1, accepted, "round %d", round)
		require.Equal(t, 1, conflicts, "round %d", round)

		entry, err := f.identities.Lookup(t.Context(), ident)
		require.NoError(t, err)
		bot, err := f.store.GetBotByIdentity(t.Context(), ident)
		require.NoError(t, err)
		assert.Equal(t, entry.Tenant, bot.Tenant, "registry and bot agree on the owner")
	}

	for _, name := range []string{"alpha", "beta"} {
		n, err := f.store.CountBots(t.Context(), name)
		require.NoError(t, err)
		tn, err := f.store.GetTenant(t.Context(), name)
		require.NoError(t, err)
		assert.Equal(t, n, tn.ObservedCount)
	}
}

func TestApproveAndSend(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 5})
	reg, err := f.svc.RegisterBot(t.Context(), request("", "15551230001"))
	require.NoError(t, err)
	id := reg.Bot.ID

	assert.False(t, f.svc.SendThrough(t.Context(), id, "15550000000", []byte("early")))

	_, err = f.svc.Approve(t.Context(), id, 6, "admin")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.svc.SendThrough(t.Context(), id, "15550000000", []byte("hello"))
	}, 2*time.Second, 5*time.Millisecond)

	usage, err := f.svc.Usage(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage[store.UsageMessagesSent])

	require.NoError(t, f.svc.Stop(t.Context(), id, "admin"))
	assert.False(t, f.svc.SendThrough(t.Context(), id, "15550000000", []byte("late")))

	require.NoError(t, f.svc.Delete(t.Context(), id, "owner"))
	st, err := f.svc.CheckIdentity(t.Context(), "15551230001")
	require.NoError(t, err)
	assert.False(t, st.Owned)

	botID := id
	acts, err := f.svc.Activity(t.Context(), store.ActivityFilter{BotID: &botID})
	require.NoError(t, err)
	var actions []store.ActivityAction
	for _, a := range acts {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, store.ActivityRegister)
	assert.Contains(t, actions, store.ActivityApprove)
	assert.Contains(t, actions, store.ActivityDelete)
}

func TestAdminMoveIdentity(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 5})
	f.addTenant(t, "beta", 1)

	reg, err := f.svc.RegisterBot(t.Context(), request("", "15551230001"))
	require.NoError(t, err)

	events, subID := f.broadcaster.Subscribe(t.Context(), "beta")
	defer f.broadcaster.Unsubscribe("beta", subID)

	entry, err := f.svc.AdminMoveIdentity(t.Context(), "15551230001", "beta", "admin")
	require.NoError(t, err)
	assert.Equal(t, "beta", entry.Tenant)

	bot, err := f.svc.GetBot(t.Context(), reg.Bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "beta", bot.Tenant)

	tenants, err := f.svc.ListTenants(t.Context())
	require.NoError(t, err)
	counts := map[string]int{}
	for _, tn := range tenants {
		counts[tn.Name] = tn.ObservedCount
	}
	assert.Equal(t, map[string]int{"alpha": 0, "beta": 1}, counts)

	select {
	case ev := <-events:
		assert.Equal(t, broadcast.EventIdentityMoved, ev.Type)
		assert.Equal(t, "alpha", ev.Detail["from"])
	case <-time.After(time.Second):
		t.Fatal("no move event")
	}

	_, err = f.svc.AdminMoveIdentity(t.Context(), "15551230001", "nowhere", "admin")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSwitchTenant(t *testing.T) {
	f := newFixture(t, tenant.Context{Name: "alpha", DefaultCapacity: 5})

	tn, err := f.svc.SwitchTenant(t.Context(), tenant.Context{Name: "delta", DefaultCapacity: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, tn.MaxCapacity)
	assert.Equal(t, "delta", f.svc.Scope().Name)

	reg, err := f.svc.RegisterBot(t.Context(), request("", "15551230001"))
	require.NoError(t, err)
	assert.Equal(t, "delta", reg.Tenant)

	available, err := f.svc.ListAvailableTenants(t.Context())
	require.NoError(t, err)
	require.Len(t, available, 2)
	assert.Equal(t, "alpha", available[0].Name, "fewest bots first")

	_, err = f.svc.SwitchTenant(t.Context(), tenant.Context{})
	assert.Error(t, err)
	assert.Equal(t, "delta", f.svc.Scope().Name)
}
