// Package classify decides whether an event type is constitutional (ledger
// eligible) or operational. The ledger consumes the answer as a yes/no gate.
package classify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Gate answers whether an event type may be appended to the ledger.
type Gate interface {
	IsConstitutional(ctx context.Context, eventType string) (bool, error)
}

// DefaultOperationalRules mark telemetry-style families as operational.
var DefaultOperationalRules = []string{
	`family in ["metrics", "heartbeat", "telemetry", "health", "ops"]`,
	`event_type.endsWith(".sampled")`,
}

// DefaultConstitutionalRules admit any namespaced event type.
var DefaultConstitutionalRules = []string{
	`event_type.matches("^[a-z0-9_]+\\.[a-z0-9_.]+$")`,
}

// CELGate evaluates CEL rules over {event_type, family}. Operational rules
// take precedence; an event type matched by no constitutional rule is rejected.
type CELGate struct {
	env            *cel.Env
	operational    []cel.Program
	constitutional []cel.Program

	mu    sync.RWMutex
	cache map[string]bool
}

// NewCELGate compiles both rule sets up front so a malformed rule fails at
// start-up rather than on the first append.
func NewCELGate(constitutional, operational []string) (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("family", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("classify: create CEL environment: %w", err)
	}

	g := &CELGate{env: env, cache: make(map[string]bool)}
	if g.operational, err = g.compile(operational); err != nil {
		return nil, err
	}
	if g.constitutional, err = g.compile(constitutional); err != nil {
		return nil, err
	}
	return g, nil
}

// NewDefaultCELGate uses the default rule sets.
func NewDefaultCELGate() (*CELGate, error) {
	return NewCELGate(DefaultConstitutionalRules, DefaultOperationalRules)
}

func (g *CELGate) compile(rules []string) ([]cel.Program, error) {
	out := make([]cel.Program, 0, len(rules))
	for _, rule := range rules {
		ast, issues := g.env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("classify: compile %q: %w", rule, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("classify: rule %q must evaluate to bool, got %s", rule, ast.OutputType())
		}
		prg, err := g.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("classify: program %q: %w", rule, err)
		}
		out = append(out, prg)
	}
	return out, nil
}

func (g *CELGate) IsConstitutional(_ context.Context, eventType string) (bool, error) {
	g.mu.RLock()
	cached, hit := g.cache[eventType]
	g.mu.RUnlock()
	if hit {
		return cached, nil
	}

	input := map[string]any{"event_type": eventType, "family": Family(eventType)}

	result, err := g.decide(input)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	g.cache[eventType] = result
	g.mu.Unlock()
	return result, nil
}

func (g *CELGate) decide(input map[string]any) (bool, error) {
	for _, prg := range g.operational {
		match, err := eval(prg, input)
		if err != nil {
			return false, err
		}
		if match {
			return false, nil
		}
	}
	for _, prg := range g.constitutional {
		match, err := eval(prg, input)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func eval(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("classify: evaluate: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("classify: rule returned %T, want bool", out.Value())
	}
	return b, nil
}

// Family is the namespace of an event type: the part before the first dot.
func Family(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// StaticGate admits an explicit allow-list of event types or families.
type StaticGate struct {
	types    map[string]bool
	families map[string]bool
}

// NewStaticGate builds an allow-list. Entries ending in ".*" admit a family.
func NewStaticGate(allowed ...string) *StaticGate {
	g := &StaticGate{types: make(map[string]bool), families: make(map[string]bool)}
	for _, a := range allowed {
		if fam, ok := strings.CutSuffix(a, ".*"); ok {
			g.families[fam] = true
			continue
		}
		g.types[a] = true
	}
	return g
}

func (g *StaticGate) IsConstitutional(_ context.Context, eventType string) (bool, error) {
	return g.types[eventType] || g.families[Family(eventType)], nil
}
