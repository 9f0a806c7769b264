// ABOUTME: Cancellable one-shot tasks keyed by owner and name, driven by a Clock
// ABOUTME: Lets per-bot timers (resume start, grace check) be cancelled the moment a bot changes state

package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/botfleet/internal/clock"
)

type task struct {
	timer     *clock.Timer
	cancelled bool
}

// Scheduler runs delayed functions. Scheduling a task with the same owner
// and name as a pending one replaces it.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]map[string]*task
}

// New creates a Scheduler on clk.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.With("component", "scheduler"),
		tasks:  make(map[string]map[string]*task),
	}
}

// Schedule runs fn after d unless cancelled first. fn runs on the clock's
// goroutine; panics are recovered and logged.
func (s *Scheduler) Schedule(owner, name string, d time.Duration, fn func()) {
	t := &task{}

	s.mu.Lock()
	var replaced *clock.Timer
	if prev := s.tasks[owner][name]; prev != nil {
		replaced = s.cancelLocked(owner, name, prev)
	}
	if s.tasks[owner] == nil {
		s.tasks[owner] = make(map[string]*task)
	}
	s.tasks[owner][name] = t
	s.mu.Unlock()

	if replaced != nil {
		replaced.Stop()
	}

	timer := s.clock.AfterFunc(d, func() { s.fire(owner, name, t, fn) })

	s.mu.Lock()
	t.timer = timer
	s.mu.Unlock()
}

func (s *Scheduler) fire(owner, name string, t *task, fn func()) {
	s.mu.Lock()
	if t.cancelled || s.tasks[owner][name] != t {
		s.mu.Unlock()
		return
	}
	s.removeLocked(owner, name)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "owner", owner, "task", name, "panic", r)
		}
	}()
	fn()
}

// Cancel stops one pending task. Returns false if nothing was pending.
func (s *Scheduler) Cancel(owner, name string) bool {
	s.mu.Lock()
	t := s.tasks[owner][name]
	if t == nil {
		s.mu.Unlock()
		return false
	}
	timer := s.cancelLocked(owner, name, t)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	return true
}

// CancelAll stops every pending task for owner and returns how many there were.
func (s *Scheduler) CancelAll(owner string) int {
	s.mu.Lock()
	var timers []*clock.Timer
	n := 0
	for name, t := range s.tasks[owner] {
		if timer := s.cancelLocked(owner, name, t); timer != nil {
			timers = append(timers, timer)
		}
		n++
	}
	s.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	return n
}

// Pending reports whether owner has a pending task called name.
func (s *Scheduler) Pending(owner, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[owner][name] != nil
}

// Len returns the number of pending tasks across all owners.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, named := range s.tasks {
		n += len(named)
	}
	return n
}

// Stop cancels everything.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	owners := make([]string, 0, len(s.tasks))
	for owner := range s.tasks {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	for _, owner := range owners {
		s.CancelAll(owner)
	}
}

func (s *Scheduler) cancelLocked(owner, name string, t *task) *clock.Timer {
	t.cancelled = true
	s.removeLocked(owner, name)
	return t.timer
}

func (s *Scheduler) removeLocked(owner, name string) {
	named := s.tasks[owner]
	delete(named, name)
	if len(named) == 0 {
		delete(s.tasks, owner)
	}
}
