// Package initengine drives a Task from INACTIVE to ACTIVE through the
// ordered steps of spec §4.3. The StateMachine here is a direct
// generalization of the teacher's loop/statemachine.go: same
// transition-table validation, same history ring buffer and listener
// channels, applied to task.InitStatus instead of loop.State.
package initengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shadowrealm/orchestrator/internal/task"
)

// Transition records one step change, mirroring loop.StateTransition.
type Transition struct {
	From      task.InitStatus
	To        task.InitStatus
	Timestamp time.Time
	Err       error
}

// StateMachine enforces the linear step order for one task's init run.
type StateMachine struct {
	mu             sync.RWMutex
	current        task.InitStatus
	steps          []task.InitStatus
	enteredAt      time.Time
	history        []Transition
	maxHistorySize int
	listeners      []chan<- Transition
}

// NewStateMachine builds a machine that walks steps in order, starting
// from task.InitInactive.
func NewStateMachine(steps []task.InitStatus) *StateMachine {
	return &StateMachine{
		current:        task.InitInactive,
		steps:          steps,
		enteredAt:      time.Now(),
		maxHistorySize: 100,
	}
}

// AddTransitionListener registers a channel notified on every transition
// and returns a function to remove it, per the teacher's own API shape.
func (sm *StateMachine) AddTransitionListener(ch chan<- Transition) func() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, ch)
	return func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		for i, l := range sm.listeners {
			if l == ch {
				last := len(sm.listeners) - 1
				sm.listeners[i] = sm.listeners[last]
				sm.listeners = sm.listeners[:last]
				return
			}
		}
	}
}

// Current returns the step the machine is on.
func (sm *StateMachine) Current() task.InitStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// nextOf returns the step after from in the configured list, or
// task.InitActive after the last one.
func (sm *StateMachine) nextOf(from task.InitStatus) (task.InitStatus, bool) {
	if from == task.InitInactive {
		if len(sm.steps) == 0 {
			return task.InitActive, true
		}
		return sm.steps[0], true
	}
	for i, s := range sm.steps {
		if s == from {
			if i+1 < len(sm.steps) {
				return sm.steps[i+1], true
			}
			return task.InitActive, true
		}
	}
	return "", false
}

// Advance moves the machine from its current step to the next one in the
// configured list and records the transition. stepErr, if non-nil, is
// attached to the transition but does not prevent recording (the caller
// decides whether to continue or abort based on stepErr).
func (sm *StateMachine) Advance(ctx context.Context, stepErr error) (task.InitStatus, error) {
	sm.mu.Lock()
	from := sm.current
	to, ok := sm.nextOf(from)
	if !ok {
		sm.mu.Unlock()
		return from, fmt.Errorf("no step configured after %s", from)
	}
	sm.current = to
	sm.enteredAt = time.Now()
	t := Transition{From: from, To: to, Timestamp: sm.enteredAt, Err: stepErr}
	sm.history = append(sm.history, t)
	if len(sm.history) > sm.maxHistorySize {
		sm.history = sm.history[len(sm.history)-sm.maxHistorySize:]
	}
	listeners := append([]chan<- Transition(nil), sm.listeners...)
	sm.mu.Unlock()

	for _, l := range listeners {
		select {
		case l <- t:
		default:
		}
	}
	return to, nil
}

// History returns a copy of the recorded transitions.
func (sm *StateMachine) History() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]Transition(nil), sm.history...)
}
