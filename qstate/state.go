// Package qstate provides a small explicit state machine. qtrust runs one
// per certificate verification attempt so every outcome is reached through
// a declared transition and the path taken can be reported.
package qstate

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

type State interface {
	comparable
	fmt.Stringer
}

// Transition defines a valid state transition.
type Transition[S State] struct {
	From S
	To   S
	Name string // Human-readable name for logging and traces.
}

// TransitionError reports a transition that was not declared.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type transitionKey[S State] struct {
	From, To S
}

// Machine enforces valid state transitions.
type Machine[S State] struct {
	mu      sync.RWMutex
	current S
	trace   []string

	allowed  map[transitionKey[S]]string
	outgoing map[S]int
	onChange func(from, to S, name string)
}

// New creates a state machine starting at the given state.
// A state with no outgoing transition is terminal.
func New[S State](initial S, transitions []Transition[S], on func(from, to S, name string)) *Machine[S] {
	sm := &Machine[S]{
		current:  initial,
		allowed:  make(map[transitionKey[S]]string, len(transitions)),
		outgoing: make(map[S]int),
		onChange: on,
	}
	for _, t := range transitions {
		sm.allowed[transitionKey[S]{From: t.From, To: t.To}] = t.Name
		sm.outgoing[t.From]++
	}
	return sm
}

func (sm *Machine[S]) look(from, to S) (string, bool) {
	name, ok := sm.allowed[transitionKey[S]{From: from, To: to}]
	return name, ok
}

// CanTransitionTo checks if a transition to the target state is valid.
func (sm *Machine[S]) CanTransitionTo(to S) bool {
	sm.mu.RLock()
	c := sm.current
	sm.mu.RUnlock()

	_, ok := sm.look(c, to)
	return ok
}

// TransitionTo attempts to transition to a new state.
// Returns a *TransitionError if the transition is not declared.
func (sm *Machine[S]) TransitionTo(to S) error {
	sm.mu.Lock()
	c := sm.current
	name, ok := sm.look(c, to)
	if !ok {
		sm.mu.Unlock()
		return &TransitionError{From: c.String(), To: to.String()}
	}
	sm.current = to
	sm.trace = append(sm.trace, name)
	sm.mu.Unlock()

	if sm.onChange != nil {
		sm.onChange(c, to, name)
	}
	return nil
}

// MustTransitionTo transitions or panics. Use in cases where invalid
// transitions indicate a programming error.
func (sm *Machine[S]) MustTransitionTo(to S) {
	if err := sm.TransitionTo(to); err != nil {
		panic(err)
	}
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Terminal reports whether the current state has no way out.
func (sm *Machine[S]) Terminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.outgoing[sm.current] == 0
}

// Trace returns the names of the transitions taken so far, in order.
func (sm *Machine[S]) Trace() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]string(nil), sm.trace...)
}
