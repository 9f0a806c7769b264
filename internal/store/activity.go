// ABOUTME: Append-only activity log recording every lifecycle and placement decision
// ABOUTME: Records who did what to which bot, identity or tenant, and survives bot deletion

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivityAction represents a recorded action.
type ActivityAction string

const (
	ActivityRegister           ActivityAction = "register"
	ActivityRedistribute       ActivityAction = "redistribute"
	ActivityApprove            ActivityAction = "approve"
	ActivityReject             ActivityAction = "reject"
	ActivityExpire             ActivityAction = "expire"
	ActivityStart              ActivityAction = "start"
	ActivityStop               ActivityAction = "stop"
	ActivityRestart            ActivityAction = "restart"
	ActivityDelete             ActivityAction = "delete"
	ActivityAutoCleanup        ActivityAction = "auto_cleanup"
	ActivityMoveIdentity       ActivityAction = "move_identity"
	ActivityCredentialsRotated ActivityAction = "credentials_rotated"
	ActivitySetCapacity        ActivityAction = "set_capacity"
	ActivitySetStatus          ActivityAction = "set_status"
	ActivityDescribe           ActivityAction = "describe"
)

// ActorSystem is recorded when the process itself acts (sweeps, resume, callbacks).
const ActorSystem = "system"

// Activity is a single activity log entry.
type Activity struct {
	ID        string         // UUID v4
	BotID     string         // empty for tenant-level actions
	Tenant    string         // tenant affected
	Identity  string         // identity affected, if any
	Action    ActivityAction // what happened
	Actor     string         // who did it
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// ActivityFilter specifies filtering options for listing activity.
type ActivityFilter struct {
	Since    *time.Time
	BotID    *string
	Tenant   *string
	Identity *string
	Action   *ActivityAction
	Limit    int // default 100, max 1000
}

// ActivityStore is the append-only activity contract.
type ActivityStore interface {
	AppendActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]Activity, error)
}

// AppendActivity appends a new entry to the activity log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendActivity(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.Actor == "" {
		a.Actor = ActorSystem
	}

	var detailJSON *string
	if a.Detail != nil {
		data, err := json.Marshal(a.Detail)
		if err != nil {
			return fmt.Errorf("marshaling activity detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO activity (activity_id, bot_id, tenant, identity, action, actor, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.BotID,
		a.Tenant,
		a.Identity,
		a.Action,
		a.Actor,
		formatTime(a.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}

	s.logger.Debug("appended activity",
		"id", a.ID,
		"action", a.Action,
		"bot_id", a.BotID,
		"tenant", a.Tenant,
	)
	return nil
}

// normalizeActivityLimit applies default (100) and cap (1000).
func normalizeActivityLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanActivity scans a row into an Activity.
func scanActivity(scanner interface{ Scan(dest ...any) error }) (Activity, error) {
	var a Activity
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&a.ID,
		&a.BotID,
		&a.Tenant,
		&a.Identity,
		&actionStr,
		&a.Actor,
		&tsStr,
		&detailJSON,
	); err != nil {
		return a, fmt.Errorf("scanning activity: %w", err)
	}

	a.Action = ActivityAction(actionStr)
	var err error
	a.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return a, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &a.Detail); err != nil {
			return a, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return a, nil
}

const activityQuery = `
	SELECT activity_id, bot_id, tenant, identity, action, actor, ts, detail_json
	FROM activity
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR bot_id = ?)
	  AND (? IS NULL OR tenant = ?)
	  AND (? IS NULL OR identity = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListActivity returns entries matching the filter, newest first.
func (s *SQLiteStore) ListActivity(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	var sinceStr, actionStr *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		sinceStr = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		actionStr = &v
	}

	rows, err := s.db.QueryContext(ctx, activityQuery,
		sinceStr, sinceStr,
		f.BotID, f.BotID,
		f.Tenant, f.Tenant,
		f.Identity, f.Identity,
		actionStr, actionStr,
		normalizeActivityLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity: %w", err)
	}
	return entries, nil
}
