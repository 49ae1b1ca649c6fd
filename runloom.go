// Package runloom implements the run-lifecycle orchestration core of a
// workflow execution platform. A run moves between lifecycle states
// (scheduled, running, completed, ...) only through a policy-driven rule
// chain: proposed transitions are validated, possibly rewritten, and
// committed atomically against a pluggable Store.
//
// # Key Features
//
//   - Policy-Driven Transitions: two static rule tables (core and global)
//     govern every proposed state change; core rules can be bypassed with
//     a force flag, global invariants always apply
//   - Middleware Rule Chain: rules wrap the terminal persistence step like
//     middleware, with enter hooks in priority order and exit hooks in
//     exact reverse
//   - Idempotent Run Creation: concurrent duplicate creation requests
//     converge on one canonical run row and exactly one initial state
//   - Pluggable Backends: in-memory, SQLite, and PostgreSQL stores with a
//     shared conformance suite
//
// For more information, see https://github.com/runloom/runloom
package runloom

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned when an operation references a run that does
// not exist in the store.
var ErrRunNotFound = errors.New("run not found")

// ErrInvalidArgument is returned when a request payload is malformed. It is
// reported before any storage access happens.
var ErrInvalidArgument = errors.New("invalid argument")

// StateType is the lifecycle phase of a run state.
type StateType string

const (
	// StateScheduled indicates the run is scheduled to start in the future.
	StateScheduled StateType = "SCHEDULED"
	// StatePending indicates the run is waiting to be picked up for execution.
	StatePending StateType = "PENDING"
	// StateRunning indicates the run is currently executing.
	StateRunning StateType = "RUNNING"
	// StatePaused indicates the run is suspended and can be resumed.
	StatePaused StateType = "PAUSED"
	// StateCompleted indicates the run finished successfully.
	StateCompleted StateType = "COMPLETED"
	// StateFailed indicates the run finished with an error.
	StateFailed StateType = "FAILED"
	// StateCancelling indicates cancellation of the run has been requested.
	StateCancelling StateType = "CANCELLING"
	// StateCancelled indicates the run was cancelled before completing.
	StateCancelled StateType = "CANCELLED"
	// StateCrashed indicates the run was interrupted by an infrastructure
	// failure and will not make further progress.
	StateCrashed StateType = "CRASHED"

	// NoType marks the from-side of a transition for a run that has no
	// prior state.
	NoType StateType = ""

	// AnyType is the wildcard used in policy transition patterns.
	AnyType StateType = "*"
)

// stateTypes holds every concrete state type accepted by the engine.
var stateTypes = map[StateType]struct{}{
	StateScheduled:  {},
	StatePending:    {},
	StateRunning:    {},
	StatePaused:     {},
	StateCompleted:  {},
	StateFailed:     {},
	StateCancelling: {},
	StateCancelled:  {},
	StateCrashed:    {},
}

// Valid reports whether t is a concrete state type (not a wildcard).
func (t StateType) Valid() bool {
	_, ok := stateTypes[t]
	return ok
}

// Terminal reports whether no further transition is permitted by the core
// policy once a run reaches this type.
func (t StateType) Terminal() bool {
	switch t {
	case StateCompleted, StateFailed, StateCancelled, StateCrashed:
		return true
	}
	return false
}

// State is an immutable, timestamped lifecycle marker attached to a run.
// States are append-only: once persisted they are never deleted or
// rewritten, and a run's history is the ordered sequence of all states
// ever attached to it.
type State struct {
	ID        string
	Type      StateType
	Timestamp time.Time
	Message   string
	Data      *Document
}

// copy returns a shallow copy so rules and callers cannot mutate persisted
// history through shared pointers.
func (s *State) copy() *State {
	if s == nil {
		return nil
	}
	dup := *s
	return &dup
}

// Scheduled returns a new SCHEDULED state proposal.
func Scheduled() *State { return &State{Type: StateScheduled} }

// Pending returns a new PENDING state proposal.
func Pending() *State { return &State{Type: StatePending} }

// Running returns a new RUNNING state proposal.
func Running() *State { return &State{Type: StateRunning} }

// Completed returns a new COMPLETED state proposal.
func Completed() *State { return &State{Type: StateCompleted} }

// Failed returns a new FAILED state proposal with the given message.
func Failed(message string) *State {
	return &State{Type: StateFailed, Message: message}
}

// Cancelled returns a new CANCELLED state proposal.
func Cancelled() *State { return &State{Type: StateCancelled} }

// Crashed returns a new CRASHED state proposal with the given message.
func Crashed(message string) *State {
	return &State{Type: StateCrashed, Message: message}
}

// Run represents a single execution instance of a flow.
type Run struct {
	// Fixed on creation
	ID             string
	FlowID         string
	Name           string
	IdempotencyKey string
	CreatedAt      time.Time

	// Updated through the engine or UpdateRun
	UpdatedAt time.Time
	StartTime *time.Time
	EndTime   *time.Time
	RunCount  int64

	// State is the most recently accepted state, nil for a run that has
	// not been orchestrated yet. It advances only through the engine's
	// terminal persistence step.
	State *State
}

// copy returns a copy of the run safe to hand out across store boundaries.
func (r *Run) copy() *Run {
	if r == nil {
		return nil
	}
	dup := *r
	dup.State = r.State.copy()
	if r.StartTime != nil {
		t := *r.StartTime
		dup.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		dup.EndTime = &t
	}
	return &dup
}

// RunSpec describes a run to create. If State is set, the creator drives it
// through the engine as the run's initial transition.
type RunSpec struct {
	FlowID         string
	Name           string
	IdempotencyKey string
	State          *State
}

// RunUpdate is a partial metadata update applied to a run outside the
// orchestrated state path. Nil fields are left untouched.
type RunUpdate struct {
	Name      *string
	StartTime *time.Time
	EndTime   *time.Time
	RunCount  *int64
}
