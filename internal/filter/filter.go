// Package filter compiles and evaluates region filter expressions for the
// statistics CLI.
//
// Expressions are written in the expr language and evaluated against one
// region snapshot at a time, e.g.:
//
//	pid == 1000 && mpi_time > 0
//	name startsWith "phase" || avg_cpus >= 4.0
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/talp-registry/internal/registry"
)

// Filter holds a pre-compiled region filter expression.
type Filter struct {
	program *vm.Program
}

// exprEnv returns the evaluation environment for one region. The same shape
// is used for compile-time type checking.
func exprEnv(r registry.RegionSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"pid":         int(r.PID),
		"region_id":   r.RegionID,
		"name":        r.Name,
		"mpi_time":    r.MPITime,
		"useful_time": r.UsefulTime,
		"avg_cpus":    float64(r.AvgCPUs),
	}
}

// New compiles expression into a Filter. The expression must evaluate to a
// boolean.
func New(expression string) (*Filter, error) {
	program, err := expr.Compile(expression,
		expr.Env(exprEnv(registry.RegionSnapshot{})),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}
	return &Filter{program: program}, nil
}

// Matches evaluates the filter against one region. A nil Filter matches
// everything.
func (f *Filter) Matches(r registry.RegionSnapshot) (bool, error) {
	if f == nil {
		return true, nil
	}
	output, err := expr.Run(f.program, exprEnv(r))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter expression: %w", err)
	}
	keep, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression returned %T, want bool", output)
	}
	return keep, nil
}
