package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Rule is a deterministic override: when Condition evaluates to true for a
// request, Route is decided without an embedding call.
type Rule struct {
	Condition string `json:"condition"`
	Route     string `json:"route"`
}

// RuleEvaluator compiles and evaluates CEL rule conditions over request
// fields. Compiled programs are cached per expression.
type RuleEvaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewRuleEvaluator creates an evaluator exposing the request as a
// string-keyed map variable named "request".
func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}

	return &RuleEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Match evaluates condition against req and reports whether it held. A
// condition that errors or does not yield a boolean never matches.
func (e *RuleEvaluator) Match(ctx context.Context, condition string, req Request) (bool, error) {
	program, err := e.getProgram(condition)
	if err != nil {
		return false, fmt.Errorf("compile rule condition: %w", err)
	}

	out, _, err := program.Eval(map[string]interface{}{
		"request": map[string]interface{}{
			"utterance":  req.Utterance,
			"thread_id":  req.ThreadID,
			"locale":     req.Context.Locale,
			"geo_region": req.Context.GeoRegion,
			"user_role":  req.Context.UserRole,
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rule condition: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule condition %q did not return a boolean", condition)
	}
	return matched, nil
}

// Validate compiles condition without evaluating it.
func (e *RuleEvaluator) Validate(condition string) error {
	_, err := e.getProgram(condition)
	return err
}

// getProgram gets a compiled program from cache or compiles it.
func (e *RuleEvaluator) getProgram(condition string) (cel.Program, error) {
	e.mu.RLock()
	if program, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have compiled it while we waited.
	if program, ok := e.cache[condition]; ok {
		return program, nil
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse error: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program generation error: %w", err)
	}

	e.cache[condition] = program
	return program, nil
}
