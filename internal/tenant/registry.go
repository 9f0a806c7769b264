// ABOUTME: Tenant registry tracking each tenant's declared capacity and observed load
// ABOUTME: Creates tenants lazily, recounts load from the store and lists tenants with free slots

package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/2389/botfleet/internal/store"
)

// Context is the tenant a caller acts as, with the capacity its
// configuration declares. It is passed explicitly to every operation that
// needs "the current tenant".
type Context struct {
	Name            string
	DefaultCapacity int
}

// Store is the persistence the registry needs.
type Store interface {
	store.TenantStore
	store.ActivityStore
}

// Registry owns tenant records.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry creates a tenant registry over s.
func NewRegistry(s Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "tenant"),
	}
}

// Ensure creates the tenant if it does not exist, using tc.DefaultCapacity.
// An existing tenant is returned untouched.
func (r *Registry) Ensure(ctx context.Context, tc Context) (*store.Tenant, error) {
	if tc.Name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	t, err := r.store.EnsureTenant(ctx, tc.Name, tc.DefaultCapacity)
	if err != nil {
		return nil, fmt.Errorf("ensuring tenant %q: %w", tc.Name, err)
	}
	return t, nil
}

// Assert ensures the tenant and re-asserts its configured maximum capacity,
// which is what the owning process does at boot and on a context switch.
func (r *Registry) Assert(ctx context.Context, tc Context) (*store.Tenant, error) {
	t, err := r.Ensure(ctx, tc)
	if err != nil {
		return nil, err
	}
	if t.MaxCapacity == tc.DefaultCapacity {
		return r.refresh(ctx, t.Name)
	}

	previous := t.MaxCapacity
	t, err = r.store.UpdateTenant(ctx, tc.Name, store.TenantUpdate{MaxCapacity: &tc.DefaultCapacity})
	if err != nil {
		return nil, fmt.Errorf("asserting capacity for %q: %w", tc.Name, err)
	}
	r.logger.Info("asserted tenant capacity", "tenant", tc.Name, "from", previous, "to", tc.DefaultCapacity)
	r.record(ctx, tc.Name, store.ActivitySetCapacity, store.ActorSystem, map[string]any{
		"from": previous,
		"to":   tc.DefaultCapacity,
	})
	return r.refresh(ctx, t.Name)
}

// Get returns a tenant by name.
func (r *Registry) Get(ctx context.Context, name string) (*store.Tenant, error) {
	return r.store.GetTenant(ctx, name)
}

// List returns every tenant ordered by name.
func (r *Registry) List(ctx context.Context) ([]*store.Tenant, error) {
	return r.store.ListTenants(ctx)
}

// RecomputeCount recounts the live bots owned by the tenant and persists the result.
func (r *Registry) RecomputeCount(ctx context.Context, name string) (int, error) {
	n, err := r.store.RecountTenant(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("recounting tenant %q: %w", name, err)
	}
	return n, nil
}

// ListAvailable returns active tenants with a free slot, least loaded first
// and alphabetical among equals. Counts are recomputed before filtering.
func (r *Registry) ListAvailable(ctx context.Context) ([]*store.Tenant, error) {
	all, err := r.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	available := make([]*store.Tenant, 0, len(all))
	for _, t := range all {
		if t.Status != store.TenantActive {
			continue
		}
		count, err := r.store.RecountTenant(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("recounting tenant %q: %w", t.Name, err)
		}
		t.ObservedCount = count
		if count < t.MaxCapacity {
			available = append(available, t)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		if available[i].ObservedCount != available[j].ObservedCount {
			return available[i].ObservedCount < available[j].ObservedCount
		}
		return available[i].Name < available[j].Name
	})
	return available, nil
}

// Describe replaces the tenant's description. The name is the tenant's key
// and cannot be changed.
func (r *Registry) Describe(ctx context.Context, name, description, actor string) (*store.Tenant, error) {
	t, err := r.store.UpdateTenant(ctx, name, store.TenantUpdate{Description: &description})
	if err != nil {
		return nil, fmt.Errorf("describing tenant %q: %w", name, err)
	}
	r.record(ctx, name, store.ActivityDescribe, actor, map[string]any{"description": description})
	return t, nil
}

// SetCapacity changes the tenant's maximum capacity. Lowering it below the
// current count does not evict bots; it only blocks new placements.
func (r *Registry) SetCapacity(ctx context.Context, name string, max int, actor string) (*store.Tenant, error) {
	t, err := r.store.UpdateTenant(ctx, name, store.TenantUpdate{MaxCapacity: &max})
	if err != nil {
		return nil, fmt.Errorf("setting capacity for %q: %w", name, err)
	}
	r.logger.Info("tenant capacity changed", "tenant", name, "max_capacity", max, "actor", actor)
	r.record(ctx, name, store.ActivitySetCapacity, actor, map[string]any{"to": max})
	return t, nil
}

// SetStatus enables or disables the tenant for new placements.
func (r *Registry) SetStatus(ctx context.Context, name string, status store.TenantStatus, actor string) (*store.Tenant, error) {
	t, err := r.store.UpdateTenant(ctx, name, store.TenantUpdate{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("setting status for %q: %w", name, err)
	}
	r.logger.Info("tenant status changed", "tenant", name, "status", status, "actor", actor)
	r.record(ctx, name, store.ActivitySetStatus, actor, map[string]any{"status": string(status)})
	return t, nil
}

func (r *Registry) refresh(ctx context.Context, name string) (*store.Tenant, error) {
	if _, err := r.RecomputeCount(ctx, name); err != nil {
		return nil, err
	}
	return r.store.GetTenant(ctx, name)
}

// record appends an activity entry. Failures are logged, never returned.
func (r *Registry) record(ctx context.Context, name string, action store.ActivityAction, actor string, detail map[string]any) {
	if err := r.store.AppendActivity(ctx, &store.Activity{
		Tenant: name,
		Action: action,
		Actor:  actor,
		Detail: detail,
	}); err != nil {
		r.logger.Warn("failed to record tenant activity", "tenant", name, "action", action, "error", err)
	}
}
