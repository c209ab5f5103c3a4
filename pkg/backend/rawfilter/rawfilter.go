// Package rawfilter compiles caller-supplied CEL expressions into record
// predicates for the query path's property reduce. The expression sees one
// variable, `activity`, bound to the raw dehydrated record, and must return
// a boolean.
package rawfilter

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/spate-io/spate/internal/metrics"
	"github.com/spate-io/spate/pkg/backend"
)

// Environment creates the CEL environment raw filters compile against.
// Records are schemaless, so `activity` is a map of string to dyn; standard
// CEL operators (==, !=, &&, ||, !, in) and string methods (startsWith,
// endsWith, contains) are available.
func Environment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("activity", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// CompiledFilter holds a pre-compiled CEL program for per-record
// evaluation.
type CompiledFilter struct {
	program cel.Program
}

// Compile compiles a raw filter expression. An empty expression compiles to
// a nil filter, which matches everything.
func Compile(filterExpr string) (*CompiledFilter, error) {
	if filterExpr == "" {
		return nil, nil
	}

	startTime := time.Now()

	env, err := Environment()
	if err != nil {
		metrics.RawFilterErrors.WithLabelValues("environment").Inc()
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(filterExpr)
	if issues != nil && issues.Err() != nil {
		metrics.RawFilterErrors.WithLabelValues("compilation").Inc()
		metrics.RawFilterParseDuration.Observe(time.Since(startTime).Seconds())
		return nil, fmt.Errorf("invalid raw filter: %w", issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		metrics.RawFilterErrors.WithLabelValues("type_mismatch").Inc()
		metrics.RawFilterParseDuration.Observe(time.Since(startTime).Seconds())
		return nil, fmt.Errorf("raw filter must return a boolean, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		metrics.RawFilterErrors.WithLabelValues("program").Inc()
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	metrics.RawFilterParseDuration.Observe(time.Since(startTime).Seconds())
	return &CompiledFilter{program: program}, nil
}

// Evaluate runs the filter against one record. A nil filter matches
// everything.
func (f *CompiledFilter) Evaluate(record map[string]any) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}

	result, _, err := f.program.Eval(map[string]any{"activity": record})
	if err != nil {
		metrics.RawFilterErrors.WithLabelValues("evaluation").Inc()
		return false, fmt.Errorf("raw filter evaluation error: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		metrics.RawFilterErrors.WithLabelValues("evaluation").Inc()
		return false, fmt.Errorf("raw filter result is not a boolean: %T", result.Value())
	}
	return boolVal, nil
}

// Func adapts the filter to the property-reduce callback shape.
func (f *CompiledFilter) Func() backend.RawFilterFunc {
	if f == nil {
		return nil
	}
	return f.Evaluate
}
