package runloom

import (
	"context"
	"fmt"
	"time"
)

// DefaultGlobalPolicy returns the baseline invariant policy. Global rules
// apply to every transition, forced or not; they are bookkeeping rules that
// never veto on business grounds.
func DefaultGlobalPolicy() *Policy {
	p := NewPolicy("global")
	p.Add(AnyType, AnyType, NewStampStateTimestamp)
	p.Add(AnyType, StateRunning, NewTrackRunStart)
	for _, terminal := range []StateType{StateCompleted, StateFailed, StateCancelled, StateCrashed} {
		p.Add(AnyType, terminal, NewTrackRunEnd)
	}
	return p
}

// stampStateTimestamp assigns the proposed state's timestamp when the
// caller left it unset, so every persisted state carries a server-side
// time.
type stampStateTimestamp struct {
	BaseRule
}

// NewStampStateTimestamp constructs the timestamp stamping rule.
func NewStampStateTimestamp() Rule {
	return &stampStateTimestamp{}
}

func (r *stampStateTimestamp) Name() string {
	return "stamp-state-timestamp"
}

func (r *stampStateTimestamp) Enter(ctx context.Context, octx *OrchestrationContext) error {
	if octx.ProposedState != nil && octx.ProposedState.Timestamp.IsZero() {
		octx.ProposedState.Timestamp = time.Now().UTC()
	}
	return nil
}

// trackRunStart records the run's first start time and increments its run
// count once a RUNNING state has been committed. Runs in its exit hook so
// it observes the terminal decision.
type trackRunStart struct {
	BaseRule
}

// NewTrackRunStart constructs the run-start bookkeeping rule.
func NewTrackRunStart() Rule {
	return &trackRunStart{}
}

func (r *trackRunStart) Name() string {
	return "track-run-start"
}

func (r *trackRunStart) Exit(ctx context.Context, octx *OrchestrationContext) error {
	state := octx.ValidatedState
	if state == nil || state.Type != StateRunning {
		return nil
	}

	update := RunUpdate{}
	count := octx.Run.RunCount + 1
	update.RunCount = &count
	if octx.Run.StartTime == nil {
		start := state.Timestamp
		update.StartTime = &start
	}

	if err := octx.Tx().UpdateRunInfo(ctx, octx.Run.ID, update); err != nil {
		return fmt.Errorf("failed to track run start: %w", err)
	}
	octx.Run.RunCount = count
	if update.StartTime != nil {
		octx.Run.StartTime = update.StartTime
	}
	return nil
}

// trackRunEnd records the run's end time once a terminal state has been
// committed.
type trackRunEnd struct {
	BaseRule
}

// NewTrackRunEnd constructs the run-end bookkeeping rule.
func NewTrackRunEnd() Rule {
	return &trackRunEnd{}
}

func (r *trackRunEnd) Name() string {
	return "track-run-end"
}

func (r *trackRunEnd) Exit(ctx context.Context, octx *OrchestrationContext) error {
	state := octx.ValidatedState
	if state == nil || !state.Type.Terminal() {
		return nil
	}

	end := state.Timestamp
	if err := octx.Tx().UpdateRunInfo(ctx, octx.Run.ID, RunUpdate{EndTime: &end}); err != nil {
		return fmt.Errorf("failed to track run end: %w", err)
	}
	octx.Run.EndTime = &end
	return nil
}
