package gate

import (
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

// evaluateExpression runs a read-only boolean expression over the produced
// value's keys. gojq gives no access to the filesystem or network, and the
// query is run against the value alone — no $ENV, no "input"/"inputs" — so
// there is nothing for the expression to reach outside the evaluated value.
func evaluateExpression(spec blockdag.GateSpec, val value.Value) Result {
	if spec.Expression == "" {
		return Result{Passed: false, Reason: "expression gate has no expression"}
	}

	query, err := gojq.Parse(spec.Expression)
	if err != nil {
		return Result{Passed: false, Reason: "invalid expression: " + err.Error()}
	}

	iter := query.Run(val.ToAny())
	out, ok := iter.Next()
	if !ok {
		return Result{Passed: false, Reason: "expression produced no result"}
	}
	if err, ok := out.(error); ok {
		return Result{Passed: false, Reason: "expression error: " + err.Error()}
	}

	passed, ok := out.(bool)
	if !ok {
		return Result{Passed: false, Reason: fmt.Sprintf("expression must evaluate to a boolean, got %T", out)}
	}
	if !passed {
		return Result{Passed: false, Reason: spec.Expression}
	}
	return Result{Passed: true}
}
