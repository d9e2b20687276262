package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"devops-backend/internal/metadata"
	"devops-backend/internal/store"
)

// programs caches compiled expressions keyed by mode and source. Resource
// definitions are immutable, so entries never go stale.
var programs sync.Map

type compileMode string

const (
	modeBool  compileMode = "bool"
	modeValue compileMode = "value"
)

// CompileExpression compiles an expression that must yield a bool.
func CompileExpression(expression string) (*vm.Program, error) {
	return compileCached(modeBool, expression)
}

// CompileComputedExpression compiles an expression for a derived field
// (returns any value, not bool).
func CompileComputedExpression(expression string) (*vm.Program, error) {
	return compileCached(modeValue, expression)
}

func compileCached(mode compileMode, expression string) (*vm.Program, error) {
	key := string(mode) + "\x00" + expression
	if p, ok := programs.Load(key); ok {
		return p.(*vm.Program), nil
	}

	var opts []expr.Option
	if mode == modeBool {
		opts = append(opts, expr.AsBool())
	}
	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}
	programs.Store(key, prog)
	return prog, nil
}

// RuleEnv builds the environment rules are evaluated in: the record as it
// will look after the write, the stored version, the action and the caller.
func RuleEnv(fields, old map[string]any, isCreate bool, user *metadata.UserContext) map[string]any {
	record := make(map[string]any, len(old)+len(fields))
	for k, v := range old {
		record[k] = v
	}
	for k, v := range fields {
		record[k] = v
	}

	action := "update"
	if isCreate {
		action = "create"
	}

	caller := map[string]any{"id": nil, "username": nil}
	if user != nil {
		caller["id"] = user.ID
		caller["username"] = user.Username
	}

	return map[string]any{
		"record": record,
		"old":    old,
		"action": action,
		"user":   caller,
	}
}

// EvaluateRules runs the load, validate and derive rules of a resource.
// Derived values are written into fields. Validation failures are returned
// and stop derivation.
func EvaluateRules(ctx context.Context, q store.Querier, d store.Dialect, reg *metadata.Registry, res *metadata.Resource, fields, old map[string]any, isCreate bool, user *metadata.UserContext) []ErrorDetail {
	if len(res.Load) == 0 && len(res.Validate) == 0 && len(res.Derive) == 0 {
		return nil
	}
	if old == nil {
		old = map[string]any{}
	}
	env := RuleEnv(fields, old, isCreate, user)

	// 1. Related rows
	for _, l := range res.Load {
		row, err := loadRelated(ctx, q, d, reg, l, env)
		if err != nil {
			return []ErrorDetail{{Rule: "load", Message: err.Error()}}
		}
		if row == nil {
			env[l.As] = nil
			continue
		}
		env[l.As] = row
	}

	// 2. Validations: a true expression rejects the write
	var errs []ErrorDetail
	for _, v := range res.Validate {
		if detail := EvaluateValidation(v, env); detail != nil {
			errs = append(errs, *detail)
		}
	}
	if len(errs) > 0 {
		return errs
	}

	// 3. Derived fields
	record := env["record"].(map[string]any)
	for _, dv := range res.Derive {
		if dv.When != "" {
			ok, err := evalBool(dv.When, env)
			if err != nil {
				errs = append(errs, ErrorDetail{Field: dv.Field, Rule: "derive", Message: err.Error()})
				continue
			}
			if !ok {
				continue
			}
		}
		val, err := EvaluateDerive(dv, env)
		if err != nil {
			errs = append(errs, ErrorDetail{Field: dv.Field, Rule: "derive", Message: err.Error()})
			continue
		}
		fields[dv.Field] = val
		record[dv.Field] = val
	}
	return errs
}

// EvaluateValidation returns nil if the rule passes (expression is false),
// or an ErrorDetail if violated (expression is true).
func EvaluateValidation(v metadata.Validation, env map[string]any) *ErrorDetail {
	violated, err := evalBool(v.Expression, env)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}
	if !violated {
		return nil
	}
	msg := v.Message
	if msg == "" {
		msg = "Expression rule violated"
	}
	return &ErrorDetail{Rule: "expression", Message: msg}
}

// EvaluateDerive computes the value of a derived field.
func EvaluateDerive(dv metadata.Derive, env map[string]any) (any, error) {
	prog, err := CompileComputedExpression(dv.Expression)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate derived field %s: %w", dv.Field, err)
	}
	return result, nil
}

func evalBool(expression string, env map[string]any) (bool, error) {
	prog, err := CompileExpression(expression)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, _ := result.(bool)
	return b, nil
}

// loadRelated fetches the row a Load rule points at. A nil or empty id, or a
// missing row, yields nil.
func loadRelated(ctx context.Context, q store.Querier, d store.Dialect, reg *metadata.Registry, l metadata.Load, env map[string]any) (map[string]any, error) {
	target := reg.Get(l.Resource)
	if target == nil {
		return nil, fmt.Errorf("unknown resource %s", l.Resource)
	}

	prog, err := CompileComputedExpression(l.From)
	if err != nil {
		return nil, err
	}
	id, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", l.As, err)
	}
	if id == nil || id == "" {
		return nil, nil
	}

	row, err := fetchRecord(ctx, q, d, target, fmt.Sprint(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", l.As, err)
	}
	return row, nil
}
