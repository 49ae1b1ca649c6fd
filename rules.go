package runloom

import (
	"context"
	"errors"
	"fmt"
)

// Rule is one unit of orchestration logic wrapped around the terminal
// persistence step. Enter runs before the rest of the chain and may inspect
// the proposed state, rewrite it, mark the context rejected or waiting, or
// return the context's abort signal to unwind the chain with no
// persistence. Exit runs after the terminal step in exact reverse entry
// order; on an abort unwind it fires only for rules that already entered,
// so it can perform compensating actions. Exit hooks never re-open the
// terminal decision.
type Rule interface {
	// Name identifies the rule; compilation dedupes rules by name.
	Name() string

	Enter(ctx context.Context, octx *OrchestrationContext) error
	Exit(ctx context.Context, octx *OrchestrationContext) error
}

// RuleFactory constructs a fresh rule instance for one chain execution.
// Policies hold factories rather than instances so rules may keep
// per-invocation state between their enter and exit hooks.
type RuleFactory func() Rule

// BaseRule provides no-op hooks for rules that only need one phase.
type BaseRule struct{}

func (BaseRule) Enter(context.Context, *OrchestrationContext) error { return nil }
func (BaseRule) Exit(context.Context, *OrchestrationContext) error  { return nil }

// runChain executes rules as a middleware onion around the terminal
// validation step: all enter hooks in order, the terminal step, then exit
// hooks in exact reverse. An abort signal skips the remaining enters and
// the terminal step but still unwinds the rules that entered. Any other
// error propagates unchanged so the enclosing unit of work rolls back.
func runChain(ctx context.Context, octx *OrchestrationContext, rules []Rule) error {
	entered := make([]Rule, 0, len(rules))
	aborted := false

	for _, rule := range rules {
		err := rule.Enter(ctx, octx)
		if err == nil {
			entered = append(entered, rule)
			continue
		}

		var abort *abortError
		if errors.As(err, &abort) {
			octx.ProposedState = nil
			octx.Status = StatusAbort
			octx.Details = ResponseDetails{Reason: abort.reason}
			aborted = true
			break
		}
		return fmt.Errorf("rule %s: %w", rule.Name(), err)
	}

	if !aborted {
		if err := octx.validateProposedState(ctx); err != nil {
			return err
		}
	}

	for i := len(entered) - 1; i >= 0; i-- {
		if err := entered[i].Exit(ctx, octx); err != nil {
			return fmt.Errorf("rule %s: %w", entered[i].Name(), err)
		}
	}

	return nil
}
