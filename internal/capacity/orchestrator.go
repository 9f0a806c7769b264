// ABOUTME: Placement of new registrations onto tenants under capacity constraints
// ABOUTME: Accepts on the requested tenant, redistributes to the least loaded one, or rejects

package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/botfleet/internal/identity"
	"github.com/2389/botfleet/internal/keylock"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/store"
	"github.com/2389/botfleet/internal/tenant"
)

// ErrAllServersFull is returned when neither the requested tenant nor any
// alternate has a free slot. Nothing is created.
var ErrAllServersFull = errors.New("all servers full")

// Outcome is how a registration was placed.
type Outcome string

const (
	Accepted      Outcome = "accepted"
	Redistributed Outcome = "redistributed"
)

// Capacity is a fresh view of one tenant's load.
type Capacity struct {
	CanAdd  bool
	Current int
	Max     int
}

// Decision is the result of a successful placement. Tenant is always the
// tenant that now owns the bot; for Redistributed it differs from Requested.
type Decision struct {
	Outcome   Outcome
	Tenant    string
	Requested string
	Bot       *store.BotInstance
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.BotStore
	store.ActivityStore
}

// Orchestrator decides where a new bot lives.
type Orchestrator struct {
	tenants    *tenant.Registry
	identities *identity.Registry
	store      Store
	locks      *keylock.Locker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Tenants    *tenant.Registry
	Identities *identity.Registry
	Store      Store
	// Locks is shared with anything else that mutates identity ownership.
	Locks   *keylock.Locker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Orchestrator{
		tenants:    cfg.Tenants,
		identities: cfg.Identities,
		store:      cfg.Store,
		locks:      locks,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "capacity"),
	}
}

// Locks returns the per-identity locker used for placement.
func (o *Orchestrator) Locks() *keylock.Locker {
	return o.locks
}

// CheckCapacity recounts the tenant and reports whether it can take one more bot.
// A disabled tenant never can.
func (o *Orchestrator) CheckCapacity(ctx context.Context, name string) (Capacity, error) {
	current, err := o.tenants.RecomputeCount(ctx, name)
	if err != nil {
		return Capacity{}, err
	}
	t, err := o.tenants.Get(ctx, name)
	if err != nil {
		return Capacity{}, err
	}
	return Capacity{
		CanAdd:  t.Status == store.TenantActive && current < t.MaxCapacity,
		Current: current,
		Max:     t.MaxCapacity,
	}, nil
}

// Place stores bot under the requested tenant if it has room, otherwise
// under the least loaded available tenant. bot.Identity must be set;
// bot.Tenant is overwritten with the chosen tenant.
//
// Errors: *identity.ConflictError when the identity belongs to another
// tenant or already has a bot, ErrAllServersFull when no tenant has room.
func (o *Orchestrator) Place(ctx context.Context, requested tenant.Context, bot *store.BotInstance, actor string) (*Decision, error) {
	if bot.Identity == "" {
		return nil, fmt.Errorf("placing bot: identity is required")
	}

	unlock := o.locks.Lock(bot.Identity)
	defer unlock()

	prior, err := o.identities.Lookup(ctx, bot.Identity)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}
	if prior != nil && prior.Tenant != requested.Name {
		o.metrics.RecordPlacement("conflict")
		return nil, &identity.ConflictError{Identity: bot.Identity, Owner: prior.Tenant}
	}
	if existing, err := o.store.GetBotByIdentity(ctx, bot.Identity); err == nil {
		o.metrics.RecordPlacement("conflict")
		return nil, &identity.ConflictError{Identity: bot.Identity, Owner: existing.Tenant}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up bot by identity: %w", err)
	}

	if _, err := o.tenants.Ensure(ctx, requested); err != nil {
		return nil, err
	}

	capacity, err := o.CheckCapacity(ctx, requested.Name)
	if err != nil {
		return nil, err
	}

	if capacity.CanAdd {
		decision, err := o.placeOn(ctx, requested.Name, bot, prior != nil)
		switch {
		case err == nil:
			decision.Requested = requested.Name
			o.recordDecision(ctx, decision, actor)
			return decision, nil
		case errors.Is(err, store.ErrTenantFull), errors.Is(err, store.ErrTenantDisabled):
			// Lost a race for the last slot; fall through to redistribution.
			o.logger.Debug("requested tenant filled during placement", "tenant", requested.Name)
			prior, err = o.identities.Lookup(ctx, bot.Identity)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("looking up identity: %w", err)
			}
		default:
			return nil, err
		}
	}

	return o.redistribute(ctx, requested.Name, bot, prior, actor)
}

// placeOn registers the identity (when not yet owned) and creates the bot
// under name. The identity entry is released again if creation fails and
// this call created it.
func (o *Orchestrator) placeOn(ctx context.Context, name string, bot *store.BotInstance, owned bool) (*Decision, error) {
	if !owned {
		if _, err := o.identities.Register(ctx, bot.Identity, name); err != nil {
			if _, ok := identity.IsConflict(err); ok {
				o.metrics.RecordPlacement("conflict")
			}
			return nil, err
		}
	}

	bot.Tenant = name
	if err := o.store.CreateBot(ctx, bot); err != nil {
		if !owned {
			if relErr := o.identities.Release(ctx, bot.Identity); relErr != nil {
				o.logger.Error("failed to release identity after failed create", "identity", bot.Identity, "error", relErr)
			}
		}
		if errors.Is(err, store.ErrDuplicateIdentity) {
			return nil, o.conflictFromExisting(ctx, bot.Identity, err)
		}
		return nil, err
	}

	if _, err := o.tenants.RecomputeCount(ctx, name); err != nil {
		o.logger.Warn("recount after placement failed", "tenant", name, "error", err)
	}
	return &Decision{Outcome: Accepted, Tenant: name, Bot: bot}, nil
}

// redistribute walks the available tenants in order and places the bot on
// the first that accepts it.
func (o *Orchestrator) redistribute(ctx context.Context, requested string, bot *store.BotInstance, prior *store.IdentityEntry, actor string) (*Decision, error) {
	candidates, err := o.tenants.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}

	registered := false
	for _, candidate := range candidates {
		if candidate.Name == requested {
			continue
		}

		if !registered && prior == nil {
			// Claim rather than overwrite so another process's registration still wins.
			if _, err := o.identities.Register(ctx, bot.Identity, candidate.Name); err != nil {
				return nil, err
			}
		} else if _, err := o.identities.Move(ctx, bot.Identity, candidate.Name); err != nil {
			o.restore(ctx, bot.Identity, prior)
			return nil, err
		}
		registered = true

		bot.Tenant = candidate.Name
		err := o.store.CreateBot(ctx, bot)
		if err == nil {
			if _, err := o.tenants.RecomputeCount(ctx, candidate.Name); err != nil {
				o.logger.Warn("recount after redistribution failed", "tenant", candidate.Name, "error", err)
			}
			decision := &Decision{
				Outcome:   Redistributed,
				Tenant:    candidate.Name,
				Requested: requested,
				Bot:       bot,
			}
			o.recordDecision(ctx, decision, actor)
			return decision, nil
		}
		if errors.Is(err, store.ErrTenantFull) || errors.Is(err, store.ErrTenantDisabled) {
			continue
		}

		o.restore(ctx, bot.Identity, prior)
		if errors.Is(err, store.ErrDuplicateIdentity) {
			return nil, o.conflictFromExisting(ctx, bot.Identity, err)
		}
		return nil, err
	}

	if registered {
		o.restore(ctx, bot.Identity, prior)
	}
	bot.Tenant = requested
	o.metrics.RecordPlacement("full")
	o.logger.Warn("registration rejected, all servers full", "requested", requested, "identity", bot.Identity)
	return nil, ErrAllServersFull
}

// restore puts the identity entry back the way it was before placement.
func (o *Orchestrator) restore(ctx context.Context, ident string, prior *store.IdentityEntry) {
	var err error
	if prior == nil {
		err = o.identities.Release(ctx, ident)
	} else {
		_, err = o.identities.Move(ctx, ident, prior.Tenant)
	}
	if err != nil {
		o.logger.Error("failed to restore identity entry", "identity", ident, "error", err)
	}
}

func (o *Orchestrator) conflictFromExisting(ctx context.Context, ident string, cause error) error {
	o.metrics.RecordPlacement("conflict")
	existing, err := o.store.GetBotByIdentity(ctx, ident)
	if err != nil {
		return fmt.Errorf("creating bot: %w", cause)
	}
	return &identity.ConflictError{Identity: ident, Owner: existing.Tenant}
}

func (o *Orchestrator) recordDecision(ctx context.Context, d *Decision, actor string) {
	o.metrics.RecordPlacement(string(d.Outcome))

	action := store.ActivityRegister
	if d.Outcome == Redistributed {
		action = store.ActivityRedistribute
		o.logger.Info("registration redistributed",
			"bot_id", d.Bot.ID,
			"identity", d.Bot.Identity,
			"requested", d.Requested,
			"tenant", d.Tenant,
		)
	} else {
		o.logger.Info("registration accepted", "bot_id", d.Bot.ID, "identity", d.Bot.Identity, "tenant", d.Tenant)
	}

	if err := o.store.AppendActivity(ctx, &store.Activity{
		BotID:    d.Bot.ID,
		Tenant:   d.Tenant,
		Identity: d.Bot.Identity,
		Action:   action,
		Actor:    actor,
		Detail: map[string]any{
			"requested": d.Requested,
			"outcome":   string(d.Outcome),
		},
	}); err != nil {
		o.logger.Warn("failed to record placement activity", "bot_id", d.Bot.ID, "error", err)
	}
}
