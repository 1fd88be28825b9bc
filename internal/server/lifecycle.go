// SPDX-License-Identifier: MPL-2.0

package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// StateCreated means New returned and Start was not called yet.
	StateCreated State = iota
	// StateStarting means Start is binding the listener.
	StateStarting
	// StateRunning means the server accepts requests.
	StateRunning
	// StateStopping means Stop is draining in-flight requests.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: startup or serving failed.
	StateFailed
)

// State is the lifecycle state of a Server.
type State int32

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// lifecycle is the single-use state machine embedded in Server. Reads are
// lock-free; transitions use CompareAndSwap.
type lifecycle struct {
	state atomic.Int32

	mu      sync.Mutex
	lastErr error

	wg        sync.WaitGroup
	startedCh chan struct{}
	errCh     chan error
}

func newLifecycle() lifecycle {
	return lifecycle{
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 1),
	}
}

// State returns the current state.
func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// IsRunning reports whether the server accepts requests.
func (l *lifecycle) IsRunning() bool {
	return l.State() == StateRunning
}

// Err delivers a serving error after Start returned. It is closed on Stop.
func (l *lifecycle) Err() <-chan error {
	return l.errCh
}

// LastError returns the error that caused StateFailed, or nil.
func (l *lifecycle) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *lifecycle) toStarting(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		l.toFailed(fmt.Errorf("context cancelled before start: %w", err))
		return l.LastError()
	}
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start server in state %s", l.State())
	}
	return nil
}

func (l *lifecycle) toRunning() {
	if l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(l.startedCh)
	}
}

func (l *lifecycle) toFailed(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	l.state.Store(int32(StateFailed))
	l.sendError(err)
}

// toStopping reports whether the caller owns the shutdown.
func (l *lifecycle) toStopping() bool {
	for {
		current := l.State()
		switch current {
		case StateCreated:
			if l.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if l.state.CompareAndSwap(int32(current), int32(StateStopping)) {
				return true
			}
		default:
			return false
		}
	}
}

func (l *lifecycle) toStopped() {
	l.state.Store(int32(StateStopped))
	close(l.errCh)
}

func (l *lifecycle) sendError(err error) {
	select {
	case l.errCh <- err:
	default:
	}
}
