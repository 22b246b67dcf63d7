// Package cel provides CEL-based expression matching for the gateway's
// RBAC tool-pattern ACLs.
package cel

import (
	"context"
	"fmt"
	"time"

	gocel "github.com/google/cel-go/cel"
)

// ToolMatcher compiles and caches CEL boolean expressions for matching
// candidate tools against a ServerACL's tool_pattern, over an ACL-specific
// variable set (qualified_name, raw_name, server_id).
type ToolMatcher struct {
	env      *gocel.Env
	mu       chan struct{} // 1-buffered mutex, cheap and avoids importing sync here
	compiled map[string]gocel.Program
}

// NewToolMatcher builds a CEL environment scoped to tool-pattern matching.
func NewToolMatcher() (*ToolMatcher, error) {
	env, err := gocel.NewEnv(
		gocel.Variable("qualified_name", gocel.StringType),
		gocel.Variable("raw_name", gocel.StringType),
		gocel.Variable("server_id", gocel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool-match environment: %w", err)
	}
	m := &ToolMatcher{env: env, mu: make(chan struct{}, 1), compiled: make(map[string]gocel.Program)}
	m.mu <- struct{}{}
	return m, nil
}

// Matches evaluates expr against vars, compiling and caching on first use.
func (m *ToolMatcher) Matches(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	prg, err := m.program(expr)
	if err != nil {
		return false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate tool pattern: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("tool pattern did not return a boolean, got %T", out.Value())
	}
	return b, nil
}

func (m *ToolMatcher) program(expr string) (gocel.Program, error) {
	<-m.mu
	defer func() { m.mu <- struct{}{} }()

	if prg, ok := m.compiled[expr]; ok {
		return prg, nil
	}

	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile tool pattern %q: %w", expr, issues.Err())
	}
	prg, err := m.env.Program(ast, gocel.EvalOptions(gocel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("build tool pattern program: %w", err)
	}
	m.compiled[expr] = prg
	return prg, nil
}
