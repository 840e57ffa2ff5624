// Package policy checks merged entities against CEL rules before they are
// submitted.
package policy

import (
	"fmt"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/google/cel-go/cel"
)

// EntityVariable is the name under which the entity is visible to rules.
const EntityVariable = "entity"

// Rule is a CEL expression that must evaluate to true for every entity.
type Rule struct {
	Name string `yaml:"name"`
	// Expr is evaluated with the entity (a map) bound to the variable "entity".
	Expr string `yaml:"expr"`
	// Message is shown to the user when the rule is violated.
	Message string `yaml:"message"`
}

type Violation struct {
	Rule    string
	Entity  string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("entity %q violates policy %q: %s", v.Entity, v.Rule, v.Message)
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Set is a compiled list of rules. The zero value and nil have no rules.
type Set struct {
	rules []compiledRule
}

// Compile type-checks the given rules. Every rule must be a boolean expression.
func Compile(rules []Rule) (*Set, error) {
	env, err := cel.NewEnv(
		cel.Variable(EntityVariable, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	s := &Set{}
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("policy #%d: missing name", i+1)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %q: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("policy %q: expression must be of type bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", r.Name, err)
		}
		if r.Message == "" {
			r.Message = fmt.Sprintf("must satisfy %s", r.Expr)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, prg: prg})
	}
	return s, nil
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Check evaluates all rules against all records. A rule that cannot be
// evaluated for an entity (e.g. it accesses a missing field without has())
// counts as violated.
func (s *Set) Check(records []*api.EntityRecord) ([]Violation, error) {
	if s.Len() == 0 {
		return nil, nil
	}
	var violations []Violation
	for _, r := range records {
		m, err := r.AsMap()
		if err != nil {
			return nil, err
		}
		vars := map[string]any{EntityVariable: m}
		for _, rule := range s.rules {
			out, _, err := rule.prg.Eval(vars)
			if err == nil {
				if ok, isBool := out.Value().(bool); isBool && ok {
					continue
				}
			}
			violations = append(violations, Violation{Rule: rule.Name, Entity: r.Name(), Message: rule.Message})
		}
	}
	return violations, nil
}
