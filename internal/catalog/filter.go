package catalog

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nmxmxh/loom/pkg/events"
)

// CompileFilter compiles a consumer filter expression. The expression
// must evaluate to a boolean; payload fields resolve as top-level
// identifiers.
func CompileFilter(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(map[string]any{}), expr.AsBool())
}

// FilterEnv builds the evaluation environment for a delivery. Payload
// fields are exposed directly; the full payload and envelope identifiers
// are reachable under reserved names.
func FilterEnv(e *events.Envelope) map[string]any {
	env := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		env[k] = v
	}
	env["payload"] = e.Payload
	env["eventType"] = e.Type
	env["correlationId"] = e.CorrelationID
	return env
}

// EvalFilter runs a compiled filter against a delivery environment.
// Evaluation errors fail open: a broken filter must never drop events.
func EvalFilter(program *vm.Program, env map[string]any) bool {
	if program == nil {
		return true
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return true
	}
	matched, ok := output.(bool)
	if !ok {
		return true
	}
	return matched
}
