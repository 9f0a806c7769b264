// ABOUTME: Bot lifecycle state machine: validation, approval, expiry, run control and deletion
// ABOUTME: Every transition reads fresh state, records activity and publishes the change

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/clock"
	"github.com/2389/botfleet/internal/credential"
	"github.com/2389/botfleet/internal/identity"
	"github.com/2389/botfleet/internal/keylock"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/scheduler"
	"github.com/2389/botfleet/internal/store"
)

// Delete reasons recorded in activity.
const (
	ReasonRequested           = "requested"
	ReasonRejected            = "rejected"
	ReasonUnrecoverableResume = "unrecoverable_resume"
)

// Supervisor is the connection control the machine delegates to.
type Supervisor interface {
	Create(id string, bot *store.BotInstance) error
	Start(ctx context.Context, id string) error
	Stop(id string)
	Restart(ctx context.Context, id string) error
	Destroy(id string)
}

// Store is the persistence the machine needs.
type Store interface {
	store.BotStore
	store.ActivityStore
}

// Config holds the machine's collaborators.
type Config struct {
	Store      Store
	Identities *identity.Registry
	Supervisor Supervisor
	Scheduler  *scheduler.Scheduler
	Publisher  broadcast.Publisher
	Clock      clock.Clock
	Locks      *keylock.Locker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Machine applies lifecycle transitions to bots.
type Machine struct {
	store      Store
	identities *identity.Registry
	supervisor Supervisor
	scheduler  *scheduler.Scheduler
	publisher  broadcast.Publisher
	clock      clock.Clock
	locks      *keylock.Locker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Machine.
func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = broadcast.Discard
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	return &Machine{
		store:      cfg.Store,
		identities: cfg.Identities,
		supervisor: cfg.Supervisor,
		scheduler:  cfg.Scheduler,
		publisher:  cfg.Publisher,
		clock:      cfg.Clock,
		locks:      cfg.Locks,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "lifecycle"),
	}
}

// ValidateRequest is a registration awaiting credential validation.
type ValidateRequest struct {
	DisplayName string
	Identity    string
	Credentials []byte
	Settings    map[string]any
}

// Validate checks that the credentials belong to the declared identity and
// returns the dormant, unpersisted bot. Nothing is written on failure.
func (m *Machine) Validate(req ValidateRequest) (*store.BotInstance, error) {
	declared, err := credential.NormalizeIdentity(req.Identity)
	if err != nil {
		return nil, &ValidationError{Reason: "declared identity", Err: err}
	}
	if len(req.Credentials) == 0 {
		return nil, &ValidationError{Reason: "credentials missing"}
	}
	info, err := credential.Inspect(req.Credentials)
	if err != nil {
		return nil, &ValidationError{Reason: "credentials unreadable", Err: err}
	}
	if info.Identity != declared {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("credentials belong to %s, not %s", info.Identity, declared),
		}
	}

	settings := req.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return &store.BotInstance{
		ID:             uuid.New().String(),
		DisplayName:    req.DisplayName,
		Identity:       declared,
		Status:         store.StatusDormant,
		ApprovalStatus: store.ApprovalPending,
		Credentials:    append([]byte(nil), req.Credentials...),
		Settings:       settings,
	}, nil
}

// lock serializes transitions on one bot.
func (m *Machine) lock(id string) func() {
	return m.locks.Lock("bot:" + id)
}

// Get returns the bot.
func (m *Machine) Get(ctx context.Context, id string) (*store.BotInstance, error) {
	return m.store.GetBot(ctx, id)
}

// List returns bots matching the filter.
func (m *Machine) List(ctx context.Context, f store.BotFilter) ([]*store.BotInstance, error) {
	return m.store.ListBots(ctx, f)
}

// Approve approves a dormant or pending bot for months and starts its session.
func (m *Machine) Approve(ctx context.Context, id string, months int, actor string) (*store.BotInstance, error) {
	if months < 1 {
		return nil, ErrInvalidDuration
	}
	defer m.lock(id)()

	bot, err := m.store.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	if bot.Status == store.StatusRejected || bot.ApprovalStatus == store.ApprovalRejected ||
		(bot.Status != store.StatusDormant && bot.ApprovalStatus != store.ApprovalPending) {
		return nil, &TransitionError{BotID: id, Action: "approve", From: describe(bot)}
	}

	now := m.clock.Now()
	if err := m.store.ApproveBot(ctx, id, now, months); err != nil {
		return nil, fmt.Errorf("approving bot: %w", err)
	}
	m.record(ctx, bot, store.ActivityApprove, actor, map[string]any{"months": months})
	m.metrics.RecordStatus(string(store.StatusLoading))
	m.publisher.Publish(event(broadcast.EventApproved, bot, store.StatusLoading))

	bot, err = m.store.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.launch(ctx, bot); err != nil {
		return bot, err
	}
	return bot, nil
}

// launch binds and starts the bot's handle, marking it error on failure.
func (m *Machine) launch(ctx context.Context, bot *store.BotInstance) error {
	err := m.supervisor.Create(bot.ID, bot)
	if err == nil {
		err = m.supervisor.Start(ctx, bot.ID)
	}
	if err != nil {
		m.logger.Error("supervisor refused start", "bot_id", bot.ID, "error", err)
		m.setStatus(ctx, bot, store.StatusError)
		bot.Status = store.StatusError
		return fmt.Errorf("starting bot %s: %w", bot.ID, err)
	}
	return nil
}

// Reject marks a non-terminal bot rejected, then deletes it and releases
// its identity.
func (m *Machine) Reject(ctx context.Context, id, actor string) error {
	defer m.lock(id)()

	bot, err := m.store.GetBot(ctx, id)
	if err != nil {
		return err
	}
	if bot.Status == store.StatusRejected {
		return &TransitionError{BotID: id, Action: "reject", From: describe(bot)}
	}

	if err := m.store.UpdateBotStatus(ctx, id, store.StatusRejected); err != nil {
		return fmt.Errorf("rejecting bot: %w", err)
	}
	m.metrics.RecordStatus(string(store.StatusRejected))
	m.record(ctx, bot, store.ActivityReject, actor, nil)
	m.publisher.Publish(event(broadcast.EventRejected, bot, store.StatusRejected))

	return m.deleteLocked(ctx, bot, ReasonRejected, actor)
}

// Expire reverts every lapsed approval. Bots are kept and re-enter the
// approval queue. Failures on one bot do not stop the sweep; they are
// joined into the returned error.
func (m *Machine) Expire(ctx context.Context) (int, error) {
	bots, err := m.store.ListBots(ctx, store.BotFilter{ApprovalStatus: store.ApprovalApproved})
	if err != nil {
		return 0, fmt.Errorf("listing approved bots: %w", err)
	}

	now := m.clock.Now()
	var errs []error
	expired := 0
	for _, bot := range bots {
		if !bot.Expired(now) {
			continue
		}
		ok, err := m.expireOne(ctx, bot)
		if err != nil {
			errs = append(errs, fmt.Errorf("expiring %s: %w", bot.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}

	m.metrics.RecordExpirations(expired)
	if expired > 0 {
		m.logger.Info("expired approvals", "count", expired)
	}
	return expired, errors.Join(errs...)
}

func (m *Machine) expireOne(ctx context.Context, bot *store.BotInstance) (bool, error) {
	defer m.lock(bot.ID)()

	approvedAt := *bot.ApprovalDate
	err := m.store.ExpireBot(ctx, bot.ID, approvedAt)
	switch {
	case errors.Is(err, store.ErrStaleApproval), errors.Is(err, store.ErrNotFound):
		m.logger.Debug("approval changed during sweep", "bot_id", bot.ID)
		return false, nil
	case err != nil:
		return false, err
	}

	if m.scheduler != nil {
		m.scheduler.CancelAll(bot.ID)
	}
	m.supervisor.Stop(bot.ID)
	// Stop drains a write-back that may have landed after ExpireBot.
	if err := m.store.UpdateBotStatus(ctx, bot.ID, store.StatusOffline); err != nil {
		m.logger.Error("failed to settle expired status", "bot_id", bot.ID, "error", err)
	}

	m.record(ctx, bot, store.ActivityExpire, store.ActorSystem, map[string]any{
		"approved_at": approvedAt,
		"months":      bot.ExpirationMonths,
	})
	m.metrics.RecordStatus(string(store.StatusOffline))
	m.publisher.Publish(event(broadcast.EventExpired, bot, store.StatusOffline))
	return true, nil
}

// runnable loads the bot and checks it may run.
func (m *Machine) runnable(ctx context.Context, id string) (*store.BotInstance, error) {
	bot, err := m.store.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	if bot.ApprovalStatus != store.ApprovalApproved {
		return nil, ErrNotApproved
	}
	if bot.Expired(m.clock.Now()) {
		return nil, ErrExpired
	}
	return bot, nil
}

// Start starts an approved bot's session.
func (m *Machine) Start(ctx context.Context, id, actor string) error {
	defer m.lock(id)()

	bot, err := m.runnable(ctx, id)
	if err != nil {
		return err
	}
	m.setStatus(ctx, bot, store.StatusLoading)
	m.record(ctx, bot, store.ActivityStart, actor, nil)
	return m.launch(ctx, bot)
}

// Stop stops an approved bot's session and cancels its scheduled work.
func (m *Machine) Stop(ctx context.Context, id, actor string) error {
	defer m.lock(id)()

	bot, err := m.runnable(ctx, id)
	if err != nil {
		return err
	}
	if m.scheduler != nil {
		m.scheduler.CancelAll(id)
	}
	m.supervisor.Stop(id)
	m.setStatus(ctx, bot, store.StatusOffline)
	m.record(ctx, bot, store.ActivityStop, actor, nil)
	return nil
}

// Restart restarts an approved bot's session with its current credentials.
func (m *Machine) Restart(ctx context.Context, id, actor string) error {
	defer m.lock(id)()

	bot, err := m.runnable(ctx, id)
	if err != nil {
		return err
	}
	m.setStatus(ctx, bot, store.StatusLoading)
	m.record(ctx, bot, store.ActivityRestart, actor, nil)

	err = m.supervisor.Create(id, bot)
	if err == nil {
		err = m.supervisor.Restart(ctx, id)
	}
	if err != nil {
		m.logger.Error("supervisor refused restart", "bot_id", id, "error", err)
		m.setStatus(ctx, bot, store.StatusError)
		return fmt.Errorf("restarting bot %s: %w", id, err)
	}
	return nil
}

// Delete removes the bot from any state: scheduled work is cancelled, the
// handle destroyed, the identity released and the bot with its usage
// removed. The tenant is recounted by the store.
func (m *Machine) Delete(ctx context.Context, id, reason, actor string) error {
	defer m.lock(id)()

	bot, err := m.store.GetBot(ctx, id)
	if err != nil {
		return err
	}
	return m.deleteLocked(ctx, bot, reason, actor)
}

func (m *Machine) deleteLocked(ctx context.Context, bot *store.BotInstance, reason, actor string) error {
	if m.scheduler != nil {
		m.scheduler.CancelAll(bot.ID)
	}
	m.supervisor.Destroy(bot.ID)

	if err := m.identities.Release(ctx, bot.Identity); err != nil {
		return fmt.Errorf("releasing identity: %w", err)
	}
	if err := m.store.DeleteBot(ctx, bot.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.restoreIdentity(ctx, bot, err)
		return fmt.Errorf("deleting bot: %w", err)
	}

	m.record(ctx, bot, store.ActivityDelete, actor, map[string]any{"reason": reason})
	ev := event(broadcast.EventDeleted, bot, "")
	ev.Detail = map[string]any{"reason": reason}
	m.publisher.Publish(ev)

	m.logger.Info("bot deleted", "bot_id", bot.ID, "tenant", bot.Tenant, "identity", bot.Identity, "reason", reason)
	return nil
}

// restoreIdentity re-claims the identity of a bot whose delete failed after
// the release, so the persisted bot keeps its registry entry.
func (m *Machine) restoreIdentity(ctx context.Context, bot *store.BotInstance, cause error) {
	if bot.Identity == "" {
		return
	}
	if _, err := m.identities.Register(context.WithoutCancel(ctx), bot.Identity, bot.Tenant); err != nil {
		m.logger.Error("delete failed and identity could not be restored",
			"bot_id", bot.ID,
			"tenant", bot.Tenant,
			"identity", bot.Identity,
			"delete_error", cause,
			"error", err,
		)
		return
	}
	m.logger.Warn("delete failed, identity restored",
		"bot_id", bot.ID,
		"identity", bot.Identity,
		"error", cause,
	)
}

// UpdateSettings replaces the bot's feature settings.
func (m *Machine) UpdateSettings(ctx context.Context, id string, settings map[string]any) (*store.BotInstance, error) {
	defer m.lock(id)()

	if settings == nil {
		settings = map[string]any{}
	}
	if err := m.store.UpdateBotSettings(ctx, id, settings); err != nil {
		return nil, err
	}
	return m.store.GetBot(ctx, id)
}

func (m *Machine) setStatus(ctx context.Context, bot *store.BotInstance, status store.BotStatus) {
	if err := m.store.UpdateBotStatus(ctx, bot.ID, status); err != nil {
		m.logger.Error("failed to update status", "bot_id", bot.ID, "status", status, "error", err)
		return
	}
	m.metrics.RecordStatus(string(status))
	m.publisher.Publish(event(broadcast.EventStatus, bot, status))
}

func (m *Machine) record(ctx context.Context, bot *store.BotInstance, action store.ActivityAction, actor string, detail map[string]any) {
	if actor == "" {
		actor = store.ActorSystem
	}
	if err := m.store.AppendActivity(ctx, &store.Activity{
		BotID:     bot.ID,
		Tenant:    bot.Tenant,
		Identity:  bot.Identity,
		Action:    action,
		Actor:     actor,
		Timestamp: m.clock.Now(),
		Detail:    detail,
	}); err != nil {
		m.logger.Warn("failed to record activity", "bot_id", bot.ID, "action", action, "error", err)
	}
}

func event(t broadcast.EventType, bot *store.BotInstance, status store.BotStatus) broadcast.Event {
	return broadcast.Event{
		Type:     t,
		BotID:    bot.ID,
		Tenant:   bot.Tenant,
		Identity: bot.Identity,
		Status:   status,
	}
}

func describe(bot *store.BotInstance) string {
	return fmt.Sprintf("%s/%s", bot.Status, bot.ApprovalStatus)
}
