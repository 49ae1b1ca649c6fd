package runloom

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// hookRule records its enter/exit invocations and delegates to optional
// hooks, for exercising the chain protocol directly.
type hookRule struct {
	name    string
	log     *[]string
	onEnter func(ctx context.Context, octx *OrchestrationContext) error
	onExit  func(ctx context.Context, octx *OrchestrationContext) error
}

func (r *hookRule) Name() string { return r.name }

func (r *hookRule) Enter(ctx context.Context, octx *OrchestrationContext) error {
	*r.log = append(*r.log, "enter:"+r.name)
	if r.onEnter != nil {
		return r.onEnter(ctx, octx)
	}
	return nil
}

func (r *hookRule) Exit(ctx context.Context, octx *OrchestrationContext) error {
	*r.log = append(*r.log, "exit:"+r.name)
	if r.onExit != nil {
		return r.onExit(ctx, octx)
	}
	return nil
}

func newChainContext(t *testing.T, proposed *State) (*OrchestrationContext, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	run := &Run{ID: "run-1", FlowID: "flow-1"}
	require.NoError(t, store.InsertRun(t.Context(), run))

	return &OrchestrationContext{
		Run:           run,
		ProposedState: proposed,
		Status:        StatusAccept,
		tx:            store,
	}, store
}

func TestRunChainOnionOrder(t *testing.T) {
	var log []string
	octx, _ := newChainContext(t, Scheduled())

	rules := []Rule{
		&hookRule{name: "a", log: &log},
		&hookRule{name: "b", log: &log},
		&hookRule{name: "c", log: &log},
	}
	require.NoError(t, runChain(t.Context(), octx, rules))

	require.Equal(t, []string{
		"enter:a", "enter:b", "enter:c",
		"exit:c", "exit:b", "exit:a",
	}, log)
	require.Equal(t, StatusAccept, octx.Status)
	require.NotNil(t, octx.ValidatedState)
}

func TestRunChainExitsObserveTerminalDecision(t *testing.T) {
	var log []string
	octx, _ := newChainContext(t, Scheduled())

	rule := &hookRule{
		name: "observer",
		log:  &log,
		onExit: func(ctx context.Context, octx *OrchestrationContext) error {
			// The terminal step has already run by exit time.
			if octx.ValidatedState == nil {
				return fmt.Errorf("exit fired before terminal step")
			}
			return nil
		},
	}
	require.NoError(t, runChain(t.Context(), octx, []Rule{rule}))
}

func TestRunChainAbortUnwindsEnteredRulesOnly(t *testing.T) {
	var log []string
	octx, store := newChainContext(t, Scheduled())

	rules := []Rule{
		&hookRule{name: "outer", log: &log},
		&hookRule{name: "veto", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
			return octx.AbortTransition("not allowed")
		}},
		&hookRule{name: "never", log: &log},
	}
	require.NoError(t, runChain(t.Context(), octx, rules))

	require.Equal(t, []string{"enter:outer", "enter:veto", "exit:outer"}, log)
	require.Equal(t, StatusAbort, octx.Status)
	require.Equal(t, "not allowed", octx.Details.Reason)
	require.Nil(t, octx.ValidatedState)

	// No persistence on abort.
	history, err := store.StateHistory(t.Context(), "run-1")
	require.NoError(t, err)
	require.Empty(t, history)
	run, err := store.GetRun(t.Context(), "run-1")
	require.NoError(t, err)
	require.Nil(t, run.State)
}

func TestRunChainEnterFaultPropagates(t *testing.T) {
	var log []string
	octx, _ := newChainContext(t, Scheduled())
	boom := errors.New("boom")

	rules := []Rule{
		&hookRule{name: "outer", log: &log},
		&hookRule{name: "broken", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
			return boom
		}},
	}
	err := runChain(t.Context(), octx, rules)
	require.ErrorIs(t, err, boom)
	require.Nil(t, octx.ValidatedState)
}

func TestRunChainRewriteProposedState(t *testing.T) {
	var log []string
	octx, store := newChainContext(t, &State{Type: StateCancelling})

	rule := &hookRule{name: "redirect", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
		redirected := octx.ProposedState.copy()
		redirected.Type = StateCancelled
		octx.ProposedState = redirected
		return nil
	}}
	require.NoError(t, runChain(t.Context(), octx, []Rule{rule}))

	require.Equal(t, StatusAccept, octx.Status)
	require.Equal(t, StateCancelled, octx.ValidatedState.Type)

	run, err := store.GetRun(t.Context(), "run-1")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, run.State.Type)
}

func TestRunChainRejectWithReplacementPersistsReplacement(t *testing.T) {
	var log []string
	octx, store := newChainContext(t, Running())

	rule := &hookRule{name: "reject", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
		octx.RejectTransition(Failed("rejected into failure"), "cannot run")
		return nil
	}}
	require.NoError(t, runChain(t.Context(), octx, []Rule{rule}))

	require.Equal(t, StatusReject, octx.Status)
	require.Equal(t, "cannot run", octx.Details.Reason)
	require.NotNil(t, octx.ValidatedState)
	require.Equal(t, StateFailed, octx.ValidatedState.Type)

	run, err := store.GetRun(t.Context(), "run-1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, run.State.Type)
}

func TestRunChainRejectWithoutReplacementPersistsNothing(t *testing.T) {
	var log []string
	octx, store := newChainContext(t, Running())

	rule := &hookRule{name: "reject", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
		octx.RejectTransition(nil, "no")
		return nil
	}}
	require.NoError(t, runChain(t.Context(), octx, []Rule{rule}))

	require.Equal(t, StatusReject, octx.Status)
	require.Nil(t, octx.ValidatedState)

	history, err := store.StateHistory(t.Context(), "run-1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestRunChainWaitPersistsNothing(t *testing.T) {
	var log []string
	octx, store := newChainContext(t, Running())

	rule := &hookRule{name: "wait", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
		octx.DelayTransition(30*time.Second, "concurrency limit reached")
		return nil
	}}
	require.NoError(t, runChain(t.Context(), octx, []Rule{rule}))

	require.Equal(t, StatusWait, octx.Status)
	require.Equal(t, 30*time.Second, octx.Details.RetryAfter)
	require.Nil(t, octx.ValidatedState)

	history, err := store.StateHistory(t.Context(), "run-1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestRunChainLaterRuleOverridesStatus(t *testing.T) {
	var log []string
	octx, _ := newChainContext(t, Running())

	rules := []Rule{
		&hookRule{name: "rejects", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
			octx.RejectTransition(nil, "first rule says no")
			return nil
		}},
		&hookRule{name: "overrides", log: &log, onEnter: func(ctx context.Context, octx *OrchestrationContext) error {
			octx.ProposedState = Running()
			octx.Status = StatusAccept
			octx.Details = ResponseDetails{}
			return nil
		}},
	}
	require.NoError(t, runChain(t.Context(), octx, rules))

	require.Equal(t, StatusAccept, octx.Status)
	require.NotNil(t, octx.ValidatedState)
	require.Equal(t, StateRunning, octx.ValidatedState.Type)
}

func TestAbortErrorMatchesSentinel(t *testing.T) {
	octx := &OrchestrationContext{}
	err := octx.AbortTransition("reason")
	require.ErrorIs(t, err, ErrTransitionAborted)
}
