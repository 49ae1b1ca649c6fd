package runloom

import (
	"fmt"
)

// transitionPattern matches a transition intent. Either side may be a
// concrete state type, NoType (no prior state), or the AnyType wildcard.
// The wildcard also matches NoType, so a pattern of (AnyType, X) covers a
// run's very first transition into X.
type transitionPattern struct {
	from StateType
	to   StateType
}

func (p transitionPattern) matches(from, to StateType) bool {
	return (p.from == AnyType || p.from == from) &&
		(p.to == AnyType || p.to == to)
}

type policyEntry struct {
	pattern transitionPattern
	rules   []RuleFactory
}

// Policy is a static, ordered table mapping transition patterns to rule
// constructors. Policies are built once at process start via Add and must
// not be mutated afterwards; Compile is safe for concurrent use.
type Policy struct {
	name    string
	entries []policyEntry
}

// NewPolicy creates an empty named policy table.
func NewPolicy(name string) *Policy {
	return &Policy{name: name}
}

// Name returns the policy's name.
func (p *Policy) Name() string {
	return p.name
}

// Add appends an entry mapping the (from, to) pattern to an ordered list of
// rule constructors. Declaration order is priority order. Add panics on a
// wildcard-invalid pattern so misconfigured tables fail at startup.
func (p *Policy) Add(from, to StateType, rules ...RuleFactory) *Policy {
	if !validPatternType(from) || !validPatternType(to) {
		panic(fmt.Sprintf("policy %s: invalid transition pattern (%q, %q)", p.name, from, to))
	}
	p.entries = append(p.entries, policyEntry{
		pattern: transitionPattern{from: from, to: to},
		rules:   rules,
	})
	return p
}

func validPatternType(t StateType) bool {
	return t == AnyType || t == NoType || t.Valid()
}

// Compile flattens all entries matching the transition intent into one
// ordered rule list, preserving declared priority and keeping only the
// first instance of each rule name.
func (p *Policy) Compile(from, to StateType) []Rule {
	var rules []Rule
	seen := make(map[string]struct{})

	for _, entry := range p.entries {
		if !entry.pattern.matches(from, to) {
			continue
		}
		for _, factory := range entry.rules {
			rule := factory()
			if _, dup := seen[rule.Name()]; dup {
				continue
			}
			seen[rule.Name()] = struct{}{}
			rules = append(rules, rule)
		}
	}

	return rules
}
