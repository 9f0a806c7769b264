// ABOUTME: Errors returned by bot lifecycle transitions
// ABOUTME: Sentinels for precondition failures plus ValidationError for rejected credentials

package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApproved indicates a run transition on a bot that is not approved.
	ErrNotApproved = errors.New("bot is not approved")

	// ErrExpired indicates a run transition on a bot whose approval has lapsed.
	ErrExpired = errors.New("bot approval has expired")

	// ErrInvalidTransition indicates the bot's current state does not allow the transition.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrInvalidDuration indicates an approval duration below one month.
	ErrInvalidDuration = errors.New("approval duration must be at least one month")
)

// ValidationError rejects a registration before anything is persisted.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransitionError names the bot and the state that refused a transition.
type TransitionError struct {
	BotID  string
	Action string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s bot %s from %s", e.Action, e.BotID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
