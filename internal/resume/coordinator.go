// ABOUTME: Boot-time resume of approved bots with staggered starts and a grace-period cleanup
// ABOUTME: Bots still loading or failed at their grace deadline are deleted and their identity freed

package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/lifecycle"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/scheduler"
	"github.com/2389/botfleet/internal/store"
)

// Task names used with the scheduler; scoped by bot id.
const (
	TaskStart = "resume-start"
	TaskGrace = "resume-grace"
)

const (
	defaultStagger = 3 * time.Second
	defaultGrace   = 2 * time.Minute
)

// Supervisor is the connection control resume drives.
type Supervisor interface {
	Create(id string, bot *store.BotInstance) error
	Start(ctx context.Context, id string) error
	Destroy(id string)
}

// Deleter removes an unrecoverable bot.
type Deleter interface {
	Delete(ctx context.Context, id, reason, actor string) error
}

// Store is the persistence resume needs.
type Store interface {
	ListBots(ctx context.Context, f store.BotFilter) ([]*store.BotInstance, error)
	GetBot(ctx context.Context, id string) (*store.BotInstance, error)
	UpdateBotStatus(ctx context.Context, id string, status store.BotStatus) error
	AppendActivity(ctx context.Context, a *store.Activity) error
}

// Config holds the coordinator's collaborators and timing.
type Config struct {
	Store       Store
	Supervisor  Supervisor
	Lifecycle   Deleter
	Scheduler   *scheduler.Scheduler
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Stagger     time.Duration
	Grace       time.Duration
}

// Coordinator resumes bots after a restart.
type Coordinator struct {
	store       Store
	supervisor  Supervisor
	lifecycle   Deleter
	scheduler   *scheduler.Scheduler
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	stagger     time.Duration
	grace       time.Duration
}

// New creates a Coordinator. A zero stagger is kept as zero; a negative one
// falls back to the default.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = defaultStagger
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Coordinator{
		store:       cfg.Store,
		supervisor:  cfg.Supervisor,
		lifecycle:   cfg.Lifecycle,
		scheduler:   cfg.Scheduler,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "resume"),
		stagger:     cfg.Stagger,
		grace:       cfg.Grace,
	}
}

// Run schedules the resume of every approved bot with credentials owned by
// tenants, oldest first, and returns how many were scheduled. Scheduled
// work stops when ctx is done.
func (c *Coordinator) Run(ctx context.Context, tenants []string) (int, error) {
	if len(tenants) == 0 {
		return 0, nil
	}
	bots, err := c.store.ListBots(ctx, store.BotFilter{
		Tenants:            tenants,
		ApprovalStatus:     store.ApprovalApproved,
		RequireCredentials: true,
	})
	if err != nil {
		return 0, fmt.Errorf("listing bots to resume: %w", err)
	}
	if len(bots) == 0 {
		c.logger.Info("nothing to resume", "tenants", tenants)
		return 0, nil
	}

	r := &run{c: c, pending: make(map[string]bool)}
	if c.broadcaster != nil {
		events, subID := c.broadcaster.Subscribe(ctx, broadcast.AllTenants)
		r.subID = subID
		go r.watch(events)
	}

	scheduled := 0
	for _, bot := range bots {
		if err := c.store.UpdateBotStatus(ctx, bot.ID, store.StatusLoading); err != nil {
			c.logger.Error("failed to mark bot loading", "bot_id", bot.ID, "error", err)
			continue
		}
		bot.Status = store.StatusLoading
		c.metrics.RecordStatus(string(store.StatusLoading))
		c.publish(bot, store.StatusLoading)

		delay := time.Duration(scheduled) * c.stagger
		r.track(bot.ID)
		c.scheduler.Schedule(bot.ID, TaskGrace, delay+c.grace, func() { r.graceCheck(ctx, bot) })
		c.scheduler.Schedule(bot.ID, TaskStart, delay, func() { c.start(ctx, bot) })
		scheduled++
	}

	c.logger.Info("resume scheduled",
		"bots", scheduled,
		"stagger", c.stagger,
		"grace", c.grace,
		"tenants", tenants,
	)
	r.sealed()
	return scheduled, nil
}

func (c *Coordinator) start(ctx context.Context, bot *store.BotInstance) {
	if ctx.Err() != nil {
		return
	}
	err := c.supervisor.Create(bot.ID, bot)
	if err == nil {
		err = c.supervisor.Start(ctx, bot.ID)
	}
	if err != nil {
		c.logger.Error("resume start failed", "bot_id", bot.ID, "error", err)
		if err := c.store.UpdateBotStatus(ctx, bot.ID, store.StatusError); err != nil {
			c.logger.Error("failed to mark bot error", "bot_id", bot.ID, "error", err)
			return
		}
		c.metrics.RecordStatus(string(store.StatusError))
		c.publish(bot, store.StatusError)
		return
	}
	c.logger.Debug("resume started bot", "bot_id", bot.ID, "tenant", bot.Tenant)
}

func (c *Coordinator) publish(bot *store.BotInstance, status store.BotStatus) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.Publish(broadcast.Event{
		Type:     broadcast.EventStatus,
		BotID:    bot.ID,
		Tenant:   bot.Tenant,
		Identity: bot.Identity,
		Status:   status,
	})
}

// stuck reports whether a status still counts as not yet resumed.
func stuck(status store.BotStatus) bool {
	return status == store.StatusLoading || status == store.StatusError
}

// run tracks the grace checks of one Run call.
type run struct {
	c     *Coordinator
	subID string

	mu      sync.Mutex
	pending map[string]bool
	done    bool // every bot tracked; unsubscribe once pending drains
	closed  bool
}

func (r *run) track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = true
}

// resolve drops id and unsubscribes once nothing is pending.
func (r *run) resolve(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	finished := r.done && len(r.pending) == 0 && !r.closed
	if finished {
		r.closed = true
	}
	r.mu.Unlock()

	if finished && r.subID != "" {
		r.c.broadcaster.Unsubscribe(broadcast.AllTenants, r.subID)
	}
}

func (r *run) sealed() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.resolve("")
}

func (r *run) isPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[id]
}

// watch cancels a bot's grace check as soon as it leaves loading/error.
func (r *run) watch(events <-chan broadcast.Event) {
	for ev := range events {
		if !r.isPending(ev.BotID) {
			continue
		}
		switch {
		case ev.Type == broadcast.EventDeleted,
			ev.Type == broadcast.EventStatus && !stuck(ev.Status),
			ev.Type == broadcast.EventExpired:
			if r.c.scheduler.Cancel(ev.BotID, TaskGrace) {
				r.c.logger.Debug("grace check cancelled", "bot_id", ev.BotID, "event", ev.Type, "status", ev.Status)
			}
			r.resolve(ev.BotID)
		}
	}
}

func (r *run) graceCheck(ctx context.Context, bot *store.BotInstance) {
	defer r.resolve(bot.ID)
	if ctx.Err() != nil {
		return
	}
	c := r.c

	fresh, err := c.store.GetBot(ctx, bot.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("grace check could not read bot", "bot_id", bot.ID, "error", err)
		return
	}
	if !stuck(fresh.Status) {
		return
	}

	c.logger.Warn("bot did not resume within grace period, removing",
		"bot_id", fresh.ID,
		"tenant", fresh.Tenant,
		"identity", fresh.Identity,
		"status", fresh.Status,
		"grace", c.grace,
	)

	c.supervisor.Destroy(fresh.ID)
	if err := c.lifecycle.Delete(ctx, fresh.ID, lifecycle.ReasonUnrecoverableResume, store.ActorSystem); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		c.logger.Error("failed to delete unrecoverable bot", "bot_id", fresh.ID, "error", err)
		return
	}
	if err := c.store.AppendActivity(ctx, &store.Activity{
		BotID:    fresh.ID,
		Tenant:   fresh.Tenant,
		Identity: fresh.Identity,
		Action:   store.ActivityAutoCleanup,
		Actor:    store.ActorSystem,
		Detail: map[string]any{
			"status": string(fresh.Status),
			"grace":  c.grace.String(),
		},
	}); err != nil {
		c.logger.Warn("failed to record auto cleanup", "bot_id", fresh.ID, "error", err)
	}
	c.metrics.RecordResumeCleanup()
}
