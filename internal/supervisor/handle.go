// ABOUTME: Runtime connection handle for one bot, owned exclusively by the Supervisor
// ABOUTME: Tracks session, state and a generation number that invalidates stale callbacks

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/2389/botfleet/internal/clock"
	"github.com/2389/botfleet/internal/session"
)

// State is the runtime state of a handle.
type State string

const (
	// StateIdle: created, never started or stopped before starting.
	StateIdle State = "idle"
	// StateConnecting: dialing or waiting for the opened callback.
	StateConnecting State = "connecting"
	// StateConnected: the session reported opened.
	StateConnected State = "connected"
	// StateStopped: stopped on request.
	StateStopped State = "stopped"
	// StateFailed: dial failure, connect timeout or unsolicited close.
	// Handles stay failed until restarted.
	StateFailed State = "failed"
)

// handle is one entry in the Supervisor's table. All fields except writeMu
// are guarded by the Supervisor's mutex.
type handle struct {
	// writeMu serializes status write-backs against Stop and Destroy.
	writeMu sync.Mutex


	id          string
	tenant      string
	identity    string
	credentials []byte

	state      State
	generation uint64
	session    session.Session
	cancelDial context.CancelFunc
	timeout    *clock.Timer
	openedAt   time.Time
	lastErr    error
}

// Info is a snapshot of a handle.
type Info struct {
	ID         string
	Tenant     string
	State      State
	Generation uint64
	OpenedAt   time.Time
	LastError  error
}

func (h *handle) info() Info {
	return Info{
		ID:         h.id,
		Tenant:     h.tenant,
		State:      h.state,
		Generation: h.generation,
		OpenedAt:   h.openedAt,
		LastError:  h.lastErr,
	}
}

// awaitWriteBack blocks until an in-flight status write-back has finished.
func (h *handle) awaitWriteBack() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
}

// detach clears the live parts of the handle and returns what the caller
// must tear down outside the lock.
func (h *handle) detach() (session.Session, context.CancelFunc, *clock.Timer) {
	sess, cancel, timer := h.session, h.cancelDial, h.timeout
	h.session = nil
	h.cancelDial = nil
	h.timeout = nil
	return sess, cancel, timer
}
