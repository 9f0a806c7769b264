// ABOUTME: Global identity registry mapping each external identity to its single owning tenant
// ABOUTME: Register is first-writer-wins at the store; Move is the unconditional override path

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/botfleet/internal/store"
)

// ConflictError reports that an identity is already owned by another tenant.
type ConflictError struct {
	Identity string
	Owner    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity %s is already registered to tenant %q", e.Identity, e.Owner)
}

// IsConflict reports whether err is a ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Registry is the single source of truth for identity ownership.
type Registry struct {
	store  store.IdentityStore
	logger *slog.Logger
}

// NewRegistry creates an identity registry over s.
func NewRegistry(s store.IdentityStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "identity"),
	}
}

// Lookup returns the registry entry for identity, or store.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, identity string) (*store.IdentityEntry, error) {
	return r.store.GetIdentity(ctx, identity)
}

// Owner returns the owning tenant, or "" when the identity is unregistered.
func (r *Registry) Owner(ctx context.Context, identity string) (string, error) {
	e, err := r.store.GetIdentity(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return e.Tenant, nil
}

// Register claims identity for tenant. Registering again for the same tenant
// is a no-op; a different owner yields *ConflictError without any change.
func (r *Registry) Register(ctx context.Context, identity, tenant string) (*store.IdentityEntry, error) {
	e, err := r.store.ClaimIdentity(ctx, identity, tenant)
	if err != nil {
		return nil, fmt.Errorf("registering identity: %w", err)
	}
	if e.Tenant != tenant {
		r.logger.Info("identity registration conflict",
			"identity", identity,
			"requested", tenant,
			"owner", e.Tenant,
		)
		return nil, &ConflictError{Identity: identity, Owner: e.Tenant}
	}
	return e, nil
}

// Move rewrites the owner of identity to tenant without any conflict check.
// A bot bound to the identity moves with it.
func (r *Registry) Move(ctx context.Context, identity, tenant string) (*store.IdentityEntry, error) {
	e, err := r.store.MoveIdentity(ctx, identity, tenant)
	if err != nil {
		return nil, fmt.Errorf("moving identity: %w", err)
	}
	r.logger.Info("identity moved", "identity", identity, "tenant", tenant)
	return e, nil
}

// Release removes the entry. Releasing an unregistered identity is not an error.
func (r *Registry) Release(ctx context.Context, identity string) error {
	if identity == "" {
		return nil
	}
	if err := r.store.DeleteIdentity(ctx, identity); err != nil {
		return fmt.Errorf("releasing identity: %w", err)
	}
	r.logger.Debug("identity released", "identity", identity)
	return nil
}
