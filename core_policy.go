package runloom

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxConcurrentRunning is the per-flow RUNNING cap enforced by the
// default core policy. Zero or negative disables the cap.
const DefaultMaxConcurrentRunning = 0

// DefaultConcurrencyRetryAfter is the delay suggested to callers when a
// transition waits on the concurrency cap.
const DefaultConcurrencyRetryAfter = 30 * time.Second

// DefaultCorePolicy returns the baseline business policy. Core rules are
// skipped entirely when a transition is forced; only the global policy
// applies then.
func DefaultCorePolicy() *Policy {
	p := NewPolicy("core")
	p.Add(AnyType, AnyType,
		NewPreventTransitionsFromTerminalStates,
		NewPreventRedundantTransitions,
	)
	p.Add(AnyType, StateCancelling, NewCancelRunsDirectly)
	p.Add(AnyType, StateRunning, func() Rule {
		return NewLimitConcurrentRunning(DefaultMaxConcurrentRunning, DefaultConcurrencyRetryAfter)
	})
	return p
}

// preventTransitionsFromTerminalStates aborts any transition out of a
// terminal state.
type preventTransitionsFromTerminalStates struct {
	BaseRule
}

// NewPreventTransitionsFromTerminalStates constructs the terminal-state
// guard rule.
func NewPreventTransitionsFromTerminalStates() Rule {
	return &preventTransitionsFromTerminalStates{}
}

func (r *preventTransitionsFromTerminalStates) Name() string {
	return "prevent-transitions-from-terminal-states"
}

func (r *preventTransitionsFromTerminalStates) Enter(ctx context.Context, octx *OrchestrationContext) error {
	if octx.InitialType().Terminal() {
		return octx.AbortTransition(fmt.Sprintf("run is already in terminal state %s", octx.InitialType()))
	}
	return nil
}

// preventRedundantTransitions aborts transitions that would not change the
// run's state type, keeping the history free of no-op entries.
type preventRedundantTransitions struct {
	BaseRule
}

// NewPreventRedundantTransitions constructs the redundancy guard rule.
func NewPreventRedundantTransitions() Rule {
	return &preventRedundantTransitions{}
}

func (r *preventRedundantTransitions) Name() string {
	return "prevent-redundant-transitions"
}

func (r *preventRedundantTransitions) Enter(ctx context.Context, octx *OrchestrationContext) error {
	from := octx.InitialType()
	if from != NoType && from == octx.ProposedType() {
		return octx.AbortTransition(fmt.Sprintf("run is already in state %s", from))
	}
	return nil
}

// cancelRunsDirectly rewrites a requested CANCELLING state into CANCELLED:
// the core has no separate cancellation phase, so cancellation requests
// land in their terminal state immediately.
type cancelRunsDirectly struct {
	BaseRule
}

// NewCancelRunsDirectly constructs the cancellation redirect rule.
func NewCancelRunsDirectly() Rule {
	return &cancelRunsDirectly{}
}

func (r *cancelRunsDirectly) Name() string {
	return "cancel-runs-directly"
}

func (r *cancelRunsDirectly) Enter(ctx context.Context, octx *OrchestrationContext) error {
	if octx.ProposedType() != StateCancelling {
		return nil
	}
	redirected := octx.ProposedState.copy()
	redirected.Type = StateCancelled
	if redirected.Message == "" {
		redirected.Message = "cancelled directly"
	}
	octx.ProposedState = redirected
	return nil
}

// limitConcurrentRunning signals WAIT when the run's flow already has limit
// runs in RUNNING state.
type limitConcurrentRunning struct {
	BaseRule
	limit      int
	retryAfter time.Duration
}

// NewLimitConcurrentRunning constructs a per-flow concurrency cap rule.
// A limit of zero or less disables the cap.
func NewLimitConcurrentRunning(limit int, retryAfter time.Duration) Rule {
	return &limitConcurrentRunning{limit: limit, retryAfter: retryAfter}
}

func (r *limitConcurrentRunning) Name() string {
	return "limit-concurrent-running"
}

func (r *limitConcurrentRunning) Enter(ctx context.Context, octx *OrchestrationContext) error {
	if r.limit <= 0 || octx.ProposedType() != StateRunning {
		return nil
	}

	count, err := octx.Tx().CountRuns(ctx, RunFilter{
		FlowIDs:    []string{octx.Run.FlowID},
		StateTypes: []StateType{StateRunning},
	})
	if err != nil {
		return fmt.Errorf("failed to count running runs: %w", err)
	}

	if count >= r.limit {
		octx.DelayTransition(r.retryAfter, fmt.Sprintf("flow %s already has %d running runs", octx.Run.FlowID, count))
	}
	return nil
}
