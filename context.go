package runloom

import (
	"context"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// ResponseStatus describes the outcome of an orchestrated transition.
type ResponseStatus string

const (
	// StatusAccept indicates the proposed state was accepted and persisted.
	StatusAccept ResponseStatus = "ACCEPT"
	// StatusReject indicates a rule rejected the proposed state; if the
	// rule substituted an alternative, the alternative was persisted
	// instead.
	StatusReject ResponseStatus = "REJECT"
	// StatusAbort indicates a rule irrecoverably vetoed the transition;
	// nothing was persisted.
	StatusAbort ResponseStatus = "ABORT"
	// StatusWait indicates the caller should retry the transition later;
	// nothing was persisted.
	StatusWait ResponseStatus = "WAIT"
)

// ResponseDetails carries the human-readable reason and retry hint attached
// to a non-accept outcome.
type ResponseDetails struct {
	Reason string

	// RetryAfter is the suggested delay before retrying a WAIT outcome.
	RetryAfter time.Duration
}

// Result is the immutable outcome of one orchestrated transition. State is
// the validated state that was persisted, or nil when nothing was.
type Result struct {
	State   *State
	Status  ResponseStatus
	Details ResponseDetails
}

// abortError is the signal a rule raises to immediately unwind the chain
// with no persistence. It supports errors.Is(err, ErrTransitionAborted).
type abortError struct {
	reason string
}

// ErrTransitionAborted is the sentinel matched by abort signals raised from
// rule enter hooks.
var ErrTransitionAborted = fmt.Errorf("transition aborted")

func (e *abortError) Error() string {
	return fmt.Sprintf("transition aborted: %s", e.reason)
}

func (e *abortError) Is(target error) bool {
	return target == ErrTransitionAborted
}

// OrchestrationContext threads a single transition request through the rule
// chain. Rules may inspect the run and the read-only initial snapshot,
// rewrite or clear the proposed state, and set the response status; the
// terminal step fills in the validated state.
type OrchestrationContext struct {
	// Run is the run being orchestrated, loaded inside the current unit of
	// work.
	Run *Run

	// InitialState is a read-only snapshot of the run's state before the
	// transition, nil for a run with no prior state.
	InitialState *State

	// ProposedState is the state under consideration. Rules may replace or
	// clear it; the terminal step persists whatever non-nil proposal
	// survives.
	ProposedState *State

	// ValidatedState is set only by the terminal persistence step.
	ValidatedState *State

	// Status defaults to StatusAccept and stands unless a rule overrides
	// it.
	Status ResponseStatus

	// Details explains a non-accept status.
	Details ResponseDetails

	tx Tx
}

// Tx exposes the transaction the chain executes in, so rules can consult
// the store within the same unit of work.
func (c *OrchestrationContext) Tx() Tx {
	return c.tx
}

// InitialType returns the transition's from-type, NoType for a run with no
// prior state.
func (c *OrchestrationContext) InitialType() StateType {
	if c.InitialState == nil {
		return NoType
	}
	return c.InitialState.Type
}

// ProposedType returns the transition's to-type, NoType when a rule has
// cleared the proposal.
func (c *OrchestrationContext) ProposedType() StateType {
	if c.ProposedState == nil {
		return NoType
	}
	return c.ProposedState.Type
}

// RejectTransition marks the transition rejected. If state is non-nil it
// replaces the proposal and will be persisted in its place; if nil, nothing
// will be persisted. An outer rule may still override the status.
func (c *OrchestrationContext) RejectTransition(state *State, reason string) {
	c.ProposedState = state
	c.Status = StatusReject
	c.Details = ResponseDetails{Reason: reason}
}

// DelayTransition marks the transition as WAIT: nothing is persisted and
// the caller is advised to retry after the given delay.
func (c *OrchestrationContext) DelayTransition(delay time.Duration, reason string) {
	c.ProposedState = nil
	c.Status = StatusWait
	c.Details = ResponseDetails{Reason: reason, RetryAfter: delay}
}

// AbortTransition returns the abort signal that unwinds the chain with no
// persistence. Rule enter hooks must return it directly.
func (c *OrchestrationContext) AbortTransition(reason string) error {
	return &abortError{reason: reason}
}

// validateProposedState is the terminal step of the rule chain. It persists
// the surviving proposal as a new immutable state row, advances the run's
// current-state pointer, and records the validated state. A nil proposal
// (rejected or waiting) persists nothing.
func (c *OrchestrationContext) validateProposedState(ctx context.Context) error {
	if c.ProposedState == nil {
		return nil
	}

	state := c.ProposedState
	if state.ID == "" {
		state.ID = shortuuid.New()
	}
	if state.Timestamp.IsZero() {
		state.Timestamp = time.Now().UTC()
	}

	if err := c.tx.AppendState(ctx, c.Run.ID, state); err != nil {
		return fmt.Errorf("failed to append state: %w", err)
	}
	if err := c.tx.SetCurrentState(ctx, c.Run.ID, state.ID); err != nil {
		return fmt.Errorf("failed to advance current state: %w", err)
	}

	c.Run.State = state
	c.ValidatedState = state
	return nil
}

// result assembles the immutable orchestration result from the context's
// final status, details, and validated state.
func (c *OrchestrationContext) result() *Result {
	return &Result{
		State:   c.ValidatedState,
		Status:  c.Status,
		Details: c.Details,
	}
}
