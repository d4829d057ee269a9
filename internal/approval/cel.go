package approval

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledCondition wraps a pre-compiled CEL program for fast repeated
// evaluation of an approval policy condition.
type CompiledCondition struct {
	Expression string
	program    cel.Program
}

// Evaluator compiles and evaluates policy conditions. Expressions are
// compiled when a policy is saved; evaluation is lock-free and safe for
// concurrent use.
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// ConditionInput is the variable set exposed to policy conditions.
type ConditionInput struct {
	ToolID      string
	Risk        string
	SideEffects []string
	Params      map[string]any
	AgentID     string
	OrgID       string
}

// NewEvaluator creates an Evaluator with the variable declarations
// available in approval policy conditions.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("tool.id", cel.StringType),
		cel.Variable("tool.risk", cel.StringType),
		cel.Variable("tool.side_effects", cel.ListType(cel.StringType)),
		cel.Variable("tool.params", cel.MapType(cel.StringType, cel.DynType)),

		cel.Variable("agent.id", cel.StringType),
		cel.Variable("org.id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:    env,
		logger: logger.With("component", "approval.Evaluator"),
	}, nil
}

// Compile parses and type-checks a condition, returning a
// CompiledCondition ready for evaluation. Called when a policy is saved,
// not in the hot path.
func (e *Evaluator) Compile(expr string) (CompiledCondition, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledCondition{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledCondition{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	return CompiledCondition{Expression: expr, program: prg}, nil
}

// Evaluate runs a compiled condition. Returns true when the policy should
// fire. Errors fail closed: the caller treats them as a match.
func (e *Evaluator) Evaluate(cond CompiledCondition, in ConditionInput) (bool, error) {
	params := in.Params
	if params == nil {
		// CEL map access on nil panics.
		params = map[string]any{}
	}
	sideEffects := in.SideEffects
	if sideEffects == nil {
		sideEffects = []string{}
	}

	out, _, err := cond.program.Eval(map[string]any{
		"tool.id":           in.ToolID,
		"tool.risk":         in.Risk,
		"tool.side_effects": sideEffects,
		"tool.params":       params,
		"agent.id":          in.AgentID,
		"org.id":            in.OrgID,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", cond.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", cond.Expression, out.Value())
	}
	return result, nil
}
