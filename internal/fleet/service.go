// ABOUTME: Facade over placement, lifecycle and sessions exposed to the request layer
// ABOUTME: Holds the process tenant context as an explicit value that can be switched at runtime

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/capacity"
	"github.com/2389/botfleet/internal/credential"
	"github.com/2389/botfleet/internal/identity"
	"github.com/2389/botfleet/internal/lifecycle"
	"github.com/2389/botfleet/internal/store"
	"github.com/2389/botfleet/internal/supervisor"
	"github.com/2389/botfleet/internal/tenant"
)

// Config holds the service's collaborators.
type Config struct {
	Scope      tenant.Context
	Store      store.Store
	Tenants    *tenant.Registry
	Identities *identity.Registry
	Capacity   *capacity.Orchestrator
	Lifecycle  *lifecycle.Machine
	Supervisor *supervisor.Supervisor
	Publisher  broadcast.Publisher
	Logger     *slog.Logger
}

// Service is the entry point for everything outside the core.
type Service struct {
	store      store.Store
	tenants    *tenant.Registry
	identities *identity.Registry
	capacity   *capacity.Orchestrator
	lifecycle  *lifecycle.Machine
	supervisor *supervisor.Supervisor
	publisher  broadcast.Publisher
	logger     *slog.Logger

	mu    sync.RWMutex
	scope tenant.Context
}

// New creates a Service scoped to cfg.Scope.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = broadcast.Discard
	}
	return &Service{
		store:      cfg.Store,
		tenants:    cfg.Tenants,
		identities: cfg.Identities,
		capacity:   cfg.Capacity,
		lifecycle:  cfg.Lifecycle,
		supervisor: cfg.Supervisor,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger.With("component", "fleet"),
		scope:      cfg.Scope,
	}
}

// Scope returns the process tenant context.
func (s *Service) Scope() tenant.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope
}

// SwitchTenant asserts tc's configuration and makes it the process tenant.
func (s *Service) SwitchTenant(ctx context.Context, tc tenant.Context) (*store.Tenant, error) {
	if tc.Name == "" {
		return nil, errors.New("tenant name is required")
	}
	t, err := s.tenants.Assert(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("asserting tenant %s: %w", tc.Name, err)
	}

	s.mu.Lock()
	prev := s.scope
	s.scope = tc
	s.mu.Unlock()

	s.logger.Info("tenant context switched", "from", prev.Name, "to", tc.Name, "max_capacity", tc.DefaultCapacity)
	return t, nil
}

// RegisterRequest is a new bot registration. Tenant defaults to the
// process tenant.
type RegisterRequest struct {
	Tenant      string
	DisplayName string
	Identity    string
	Credentials []byte
	Settings    map[string]any
	Actor       string
}

// Registration reports where the bot was placed. Tenant is always the
// owning tenant, which differs from Requested when redistributed.
type Registration struct {
	Outcome   capacity.Outcome
	Tenant    string
	Requested string
	Bot       *store.BotInstance
}

// Redistributed reports whether the bot landed on a tenant other than the
// one requested.
func (r *Registration) Redistributed() bool {
	return r.Outcome == capacity.Redistributed
}

// RegisterBot validates credentials and places the new bot.
//
// Errors: *lifecycle.ValidationError, *identity.ConflictError naming the
// owning tenant, capacity.ErrAllServersFull.
func (s *Service) RegisterBot(ctx context.Context, req RegisterRequest) (*Registration, error) {
	bot, err := s.lifecycle.Validate(lifecycle.ValidateRequest{
		DisplayName: req.DisplayName,
		Identity:    req.Identity,
		Credentials: req.Credentials,
		Settings:    req.Settings,
	})
	if err != nil {
		return nil, err
	}

	requested := s.Scope()
	if req.Tenant != "" && req.Tenant != requested.Name {
		requested = tenant.Context{Name: req.Tenant, DefaultCapacity: requested.DefaultCapacity}
	}

	decision, err := s.capacity.Place(ctx, requested, bot, req.Actor)
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(broadcast.Event{
		Type:     broadcast.EventRegistered,
		BotID:    bot.ID,
		Tenant:   decision.Tenant,
		Identity: bot.Identity,
		Status:   bot.Status,
		Detail: map[string]any{
			"outcome":   string(decision.Outcome),
			"requested": decision.Requested,
		},
	})

	return &Registration{
		Outcome:   decision.Outcome,
		Tenant:    decision.Tenant,
		Requested: decision.Requested,
		Bot:       decision.Bot,
	}, nil
}

// BotSummary is the public view of a bot.
type BotSummary struct {
	ID             string
	DisplayName    string
	Tenant         string
	Status         store.BotStatus
	ApprovalStatus store.ApprovalStatus
	Live           bool
}

// IdentityStatus answers whether an identity is taken and by whom.
type IdentityStatus struct {
	Identity    string
	Owned       bool
	Tenant      string
	HasInstance bool
	Instance    *BotSummary
}

// CheckIdentity reports the owner and bot of an identity.
func (s *Service) CheckIdentity(ctx context.Context, raw string) (*IdentityStatus, error) {
	ident, err := credential.NormalizeIdentity(raw)
	if err != nil {
		return nil, err
	}

	status := &IdentityStatus{Identity: ident}
	entry, err := s.identities.Lookup(ctx, ident)
	switch {
	case err == nil:
		status.Owned = true
		status.Tenant = entry.Tenant
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	bot, err := s.store.GetBotByIdentity(ctx, ident)
	switch {
	case err == nil:
		status.HasInstance = true
		status.Instance = s.summarize(bot)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return status, nil
}

func (s *Service) summarize(bot *store.BotInstance) *BotSummary {
	return &BotSummary{
		ID:             bot.ID,
		DisplayName:    bot.DisplayName,
		Tenant:         bot.Tenant,
		Status:         bot.Status,
		ApprovalStatus: bot.ApprovalStatus,
		Live:           s.supervisor.Live(bot.ID),
	}
}

// Approve approves a bot for months and starts it.
func (s *Service) Approve(ctx context.Context, id string, months int, actor string) (*store.BotInstance, error) {
	return s.lifecycle.Approve(ctx, id, months, actor)
}

// Reject rejects and removes a bot.
func (s *Service) Reject(ctx context.Context, id, actor string) error {
	return s.lifecycle.Reject(ctx, id, actor)
}

// Start starts an approved bot.
func (s *Service) Start(ctx context.Context, id, actor string) error {
	return s.lifecycle.Start(ctx, id, actor)
}

// Stop stops an approved bot.
func (s *Service) Stop(ctx context.Context, id, actor string) error {
	return s.lifecycle.Stop(ctx, id, actor)
}

// Restart restarts an approved bot.
func (s *Service) Restart(ctx context.Context, id, actor string) error {
	return s.lifecycle.Restart(ctx, id, actor)
}

// Delete removes a bot on request.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	return s.lifecycle.Delete(ctx, id, lifecycle.ReasonRequested, actor)
}

// UpdateSettings replaces a bot's feature settings.
func (s *Service) UpdateSettings(ctx context.Context, id string, settings map[string]any) (*store.BotInstance, error) {
	return s.lifecycle.UpdateSettings(ctx, id, settings)
}

// GetBot returns one bot.
func (s *Service) GetBot(ctx context.Context, id string) (*store.BotInstance, error) {
	return s.lifecycle.Get(ctx, id)
}

// ListBots returns bots matching f.
func (s *Service) ListBots(ctx context.Context, f store.BotFilter) ([]*store.BotInstance, error) {
	return s.lifecycle.List(ctx, f)
}

// Usage returns a bot's usage counters.
func (s *Service) Usage(ctx context.Context, id string) (map[store.UsageCounter]int64, error) {
	return s.store.GetUsage(ctx, id)
}

// Activity returns audit entries matching f.
func (s *Service) Activity(ctx context.Context, f store.ActivityFilter) ([]store.Activity, error) {
	return s.store.ListActivity(ctx, f)
}

// ListTenants returns every tenant.
func (s *Service) ListTenants(ctx context.Context) ([]*store.Tenant, error) {
	return s.tenants.List(ctx)
}

// ListAvailableTenants returns tenants that can take a bot, least loaded first.
func (s *Service) ListAvailableTenants(ctx context.Context) ([]*store.Tenant, error) {
	return s.tenants.ListAvailable(ctx)
}

// SetCapacity changes a tenant's maximum.
func (s *Service) SetCapacity(ctx context.Context, name string, max int, actor string) (*store.Tenant, error) {
	return s.tenants.SetCapacity(ctx, name, max, actor)
}

// AdminMoveIdentity reassigns an identity, and any bot bound to it, to
// another existing tenant. Capacity is not checked.
func (s *Service) AdminMoveIdentity(ctx context.Context, raw, target, actor string) (*store.IdentityEntry, error) {
	ident, err := credential.NormalizeIdentity(raw)
	if err != nil {
		return nil, err
	}
	if _, err := s.tenants.Get(ctx, target); err != nil {
		return nil, fmt.Errorf("target tenant %s: %w", target, err)
	}

	defer s.capacity.Locks().Lock(ident)()

	from, err := s.identities.Owner(ctx, ident)
	if err != nil {
		return nil, err
	}
	entry, err := s.identities.Move(ctx, ident, target)
	if err != nil {
		return nil, err
	}

	var botID string
	if bot, err := s.store.GetBotByIdentity(ctx, ident); err == nil {
		botID = bot.ID
	}

	if err := s.store.AppendActivity(ctx, &store.Activity{
		BotID:    botID,
		Tenant:   target,
		Identity: ident,
		Action:   store.ActivityMoveIdentity,
		Actor:    actor,
		Detail:   map[string]any{"from": from, "to": target},
	}); err != nil {
		s.logger.Warn("failed to record identity move", "identity", ident, "error", err)
	}
	s.publisher.Publish(broadcast.Event{
		Type:     broadcast.EventIdentityMoved,
		BotID:    botID,
		Tenant:   target,
		Identity: ident,
		Detail:   map[string]any{"from": from},
	})

	s.logger.Info("identity moved by admin", "identity", ident, "from", from, "to", target, "actor", actor)
	return entry, nil
}

// SendThrough sends payload through the bot's live session. false means
// temporarily undeliverable.
func (s *Service) SendThrough(ctx context.Context, id, target string, payload []byte) bool {
	return s.supervisor.SendThrough(ctx, id, target, payload)
}
