package runloom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// namedRule is a minimal rule used to observe policy compilation.
type namedRule struct {
	BaseRule
	name string
}

func (r *namedRule) Name() string { return r.name }

func named(name string) RuleFactory {
	return func() Rule { return &namedRule{name: name} }
}

func ruleNames(rules []Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name()
	}
	return names
}

func TestPolicyCompilePreservesDeclarationOrder(t *testing.T) {
	p := NewPolicy("test")
	p.Add(AnyType, AnyType, named("first"), named("second"))
	p.Add(AnyType, StateRunning, named("third"))

	rules := p.Compile(StatePending, StateRunning)
	require.Equal(t, []string{"first", "second", "third"}, ruleNames(rules))
}

func TestPolicyCompileWildcardMatching(t *testing.T) {
	p := NewPolicy("test")
	p.Add(AnyType, StateCancelling, named("on-cancelling"))
	p.Add(StateRunning, AnyType, named("from-running"))
	p.Add(StateScheduled, StatePending, named("exact"))

	require.Equal(t, []string{"on-cancelling"}, ruleNames(p.Compile(StatePending, StateCancelling)))
	require.Equal(t, []string{"from-running"}, ruleNames(p.Compile(StateRunning, StateCompleted)))
	require.Equal(t, []string{"exact"}, ruleNames(p.Compile(StateScheduled, StatePending)))
	require.Empty(t, p.Compile(StatePending, StateRunning))
}

func TestPolicyCompileWildcardMatchesInitialTransition(t *testing.T) {
	p := NewPolicy("test")
	p.Add(AnyType, AnyType, named("always"))
	p.Add(NoType, StateScheduled, named("initial-only"))

	// A run with no prior state matches both the wildcard and the
	// dedicated initial pattern.
	rules := p.Compile(NoType, StateScheduled)
	require.Equal(t, []string{"always", "initial-only"}, ruleNames(rules))

	// A run with a prior state does not match the initial pattern.
	rules = p.Compile(StateScheduled, StateScheduled)
	require.Equal(t, []string{"always"}, ruleNames(rules))
}

func TestPolicyCompileDeduplicatesByName(t *testing.T) {
	p := NewPolicy("test")
	p.Add(AnyType, AnyType, named("dup"))
	p.Add(AnyType, StateRunning, named("dup"), named("other"))

	rules := p.Compile(StatePending, StateRunning)
	require.Equal(t, []string{"dup", "other"}, ruleNames(rules))
}

func TestPolicyAddRejectsUnknownTypes(t *testing.T) {
	p := NewPolicy("test")
	require.Panics(t, func() {
		p.Add(StateType("BOGUS"), AnyType, named("x"))
	})
}

func TestDefaultCorePolicyCoversAllTransitions(t *testing.T) {
	p := DefaultCorePolicy()

	rules := p.Compile(StateCompleted, StateRunning)
	require.Contains(t, ruleNames(rules), "prevent-transitions-from-terminal-states")
	require.Contains(t, ruleNames(rules), "prevent-redundant-transitions")

	rules = p.Compile(StateRunning, StateCancelling)
	require.Contains(t, ruleNames(rules), "cancel-runs-directly")
}

// TestRuleFactoriesProduceFreshInstances guards the per-invocation rule
// state contract: each compile must hand out new instances.
func TestRuleFactoriesProduceFreshInstances(t *testing.T) {
	p := NewPolicy("test")
	p.Add(AnyType, AnyType, named("r"))

	a := p.Compile(StatePending, StateRunning)[0]
	b := p.Compile(StatePending, StateRunning)[0]
	require.NotSame(t, a, b)
}
