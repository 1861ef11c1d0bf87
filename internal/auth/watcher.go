// Package auth turns authorization-state changes into forced resyncs.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"budgetmirror/internal/log"
)

// State is the authorization state reported by the login collaborator.
type State string

const (
	StateLoggedOut State = "logged_out"
	StateLoggedIn  State = "logged_in"
)

// ParseState accepts the wire names of State.
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateLoggedOut:
		return StateLoggedOut, nil
	case StateLoggedIn:
		return StateLoggedIn, nil
	default:
		return "", fmt.Errorf("unknown auth state %q", s)
	}
}

// Resyncer runs an unconditional full sync pass.
type Resyncer interface {
	ForceFullResync(ctx context.Context) error
}

// ResyncFunc adapts a function to Resyncer.
type ResyncFunc func(ctx context.Context) error

func (f ResyncFunc) ForceFullResync(ctx context.Context) error {
	return f(ctx)
}

// Watcher remembers the last observed state. A LoggedOut to LoggedIn
// transition triggers a full resync since a different account may now be
// authenticated. A process starts in LoggedOut.
type Watcher struct {
	mu       sync.Mutex
	state    State
	resyncer Resyncer
	logger   *log.Logger
}

func NewWatcher(resyncer Resyncer) *Watcher {
	return &Watcher{
		state:    StateLoggedOut,
		resyncer: resyncer,
		logger:   log.Default(log.ComponentAuth),
	}
}

// State returns the last observed state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Observe records state and reports whether it triggered a resync. If the
// resync fails the watcher stays LoggedOut so the next LoggedIn retries.
func (w *Watcher) Observe(ctx context.Context, state State) (bool, error) {
	if state != StateLoggedIn && state != StateLoggedOut {
		return false, fmt.Errorf("unknown auth state %q", state)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.state
	if state == StateLoggedOut || prev == StateLoggedIn {
		w.state = state
		return false, nil
	}

	w.logger.InfoContext(ctx, "Login detected, forcing full resync", "previous", string(prev))
	if err := w.resyncer.ForceFullResync(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Forced resync failed", log.FieldError, err)
		return true, fmt.Errorf("force full resync: %w", err)
	}
	w.state = state
	return true, nil
}
