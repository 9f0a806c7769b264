// ABOUTME: Store interfaces and data types for botfleet persistence
// ABOUTME: Defines Tenant, IdentityEntry, BotInstance and the CRUD contracts over them

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrTenantFull is returned when a bot cannot be created because its tenant
// reached max capacity (checked inside the creating transaction)
var ErrTenantFull = errors.New("tenant at capacity")

// ErrTenantDisabled is returned when a bot is created under a disabled tenant
var ErrTenantDisabled = errors.New("tenant disabled")

// ErrDuplicateIdentity is returned when a bot already exists for an identity
var ErrDuplicateIdentity = errors.New("identity already bound to a bot")

// ErrStaleApproval is returned by ExpireBot when the approval changed since it was read
var ErrStaleApproval = errors.New("approval changed concurrently")

// TenantStatus is the administrative state of a tenant.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantDisabled TenantStatus = "disabled"
)

// Tenant is a capacity pool ("server") that owns bot instances.
type Tenant struct {
	Name          string
	MaxCapacity   int
	ObservedCount int // recomputed from the bots table, never incremented in place
	Status        TenantStatus
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TenantUpdate carries the admin-mutable tenant fields. Nil fields are left alone.
type TenantUpdate struct {
	MaxCapacity *int
	Status      *TenantStatus
	Description *string
}

// IdentityEntry maps an external identity to the tenant that owns it.
type IdentityEntry struct {
	Identity     string
	Tenant       string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// BotStatus is the runtime status of a bot instance.
type BotStatus string

const (
	StatusPendingValidation BotStatus = "pending_validation"
	StatusDormant           BotStatus = "dormant"
	StatusLoading           BotStatus = "loading"
	StatusOnline            BotStatus = "online"
	StatusOffline           BotStatus = "offline"
	StatusError             BotStatus = "error"
	StatusRejected          BotStatus = "rejected"
)

// ApprovalStatus is the admin approval state of a bot instance.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// BotInstance is one automation agent bound to a single identity.
type BotInstance struct {
	ID               string
	DisplayName      string
	Identity         string
	Status           BotStatus
	ApprovalStatus   ApprovalStatus
	ApprovalDate     *time.Time
	ExpirationMonths int
	Credentials      []byte
	Settings         map[string]any
	Tenant           string
	LastConnectedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExpiresAt returns when the current approval lapses. ok is false when the
// bot has no dated approval.
func (b *BotInstance) ExpiresAt() (at time.Time, ok bool) {
	if b.ApprovalDate == nil || b.ExpirationMonths <= 0 {
		return time.Time{}, false
	}
	return b.ApprovalDate.AddDate(0, b.ExpirationMonths, 0), true
}

// Expired reports whether the bot is approved and now is past its expiry.
func (b *BotInstance) Expired(now time.Time) bool {
	if b.ApprovalStatus != ApprovalApproved {
		return false
	}
	at, ok := b.ExpiresAt()
	return ok && now.After(at)
}

// BotFilter narrows ListBots. Empty fields match everything.
type BotFilter struct {
	Tenants            []string
	Status             []BotStatus
	ApprovalStatus     ApprovalStatus
	RequireCredentials bool
	Limit              int
}

// UsageCounter names a per-bot usage counter.
type UsageCounter string

const (
	UsageMessagesSent UsageCounter = "messages_sent"
	UsageConnections  UsageCounter = "connections"
)

// TenantStore persists tenants.
type TenantStore interface {
	// EnsureTenant creates the tenant with defaultCapacity if absent and returns it.
	EnsureTenant(ctx context.Context, name string, defaultCapacity int) (*Tenant, error)
	GetTenant(ctx context.Context, name string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	UpdateTenant(ctx context.Context, name string, update TenantUpdate) (*Tenant, error)
	// RecountTenant recounts live bots for the tenant, persists and returns the count.
	RecountTenant(ctx context.Context, name string) (int, error)
}

// IdentityStore persists the global identity registry.
type IdentityStore interface {
	GetIdentity(ctx context.Context, identity string) (*IdentityEntry, error)
	// ClaimIdentity inserts the entry if absent and returns whatever entry
	// exists afterwards. Callers compare the returned tenant to detect conflicts.
	ClaimIdentity(ctx context.Context, identity, tenant string) (*IdentityEntry, error)
	// MoveIdentity rewrites the owning tenant unconditionally, re-owns any bot
	// bound to the identity and recounts both tenants in one transaction.
	MoveIdentity(ctx context.Context, identity, tenant string) (*IdentityEntry, error)
	DeleteIdentity(ctx context.Context, identity string) error
}

// BotStore persists bot instances and their scoped records.
type BotStore interface {
	// CreateBot inserts the bot if its tenant is active and below capacity,
	// then recounts the tenant. Returns ErrTenantFull, ErrTenantDisabled or
	// ErrDuplicateIdentity without side effects.
	CreateBot(ctx context.Context, bot *BotInstance) error
	GetBot(ctx context.Context, id string) (*BotInstance, error)
	GetBotByIdentity(ctx context.Context, identity string) (*BotInstance, error)
	ListBots(ctx context.Context, filter BotFilter) ([]*BotInstance, error)
	CountBots(ctx context.Context, tenant string) (int, error)
	UpdateBotStatus(ctx context.Context, id string, status BotStatus) error
	MarkBotConnected(ctx context.Context, id string, at time.Time) error
	UpdateBotCredentials(ctx context.Context, id string, credentials []byte) error
	UpdateBotSettings(ctx context.Context, id string, settings map[string]any) error
	// ApproveBot sets approved/loading with the given date and duration.
	ApproveBot(ctx context.Context, id string, at time.Time, months int) error
	// ExpireBot reverts an approval only if approvalDate still equals
	// approvedAt. Returns ErrStaleApproval when it does not.
	ExpireBot(ctx context.Context, id string, approvedAt time.Time) error
	// DeleteBot removes the bot and its usage rows, then recounts its tenant.
	DeleteBot(ctx context.Context, id string) error
	IncrementUsage(ctx context.Context, id string, counter UsageCounter, delta int64) error
	GetUsage(ctx context.Context, id string) (map[UsageCounter]int64, error)
}

// Store is the full persistence contract used by the fleet.
type Store interface {
	TenantStore
	IdentityStore
	BotStore
	ActivityStore

	// Close releases any resources held by the store
	Close() error
}
