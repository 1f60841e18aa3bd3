package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

func intp(i int) *int         { return &i }
func f64p(f float64) *float64 { return &f }

func TestJSONSchemaSubsetRequiredMissing(t *testing.T) {
	spec := blockdag.GateSpec{Type: "json_schema", Schema: []byte(`{"required":["name","age"]}`)}
	val := value.Object(value.KV("name", value.String("a")))

	res := Evaluate(context.Background(), spec, val, Options{})
	require.False(t, res.Passed)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "age", res.Details[0].Path)
}

func TestJSONSchemaNullCountsAsPresent(t *testing.T) {
	spec := blockdag.GateSpec{Type: "json_schema", Schema: []byte(`{"required":["age"]}`)}
	val := value.Object(value.KV("age", value.Null()))

	res := Evaluate(context.Background(), spec, val, Options{})
	assert.True(t, res.Passed)
}

func TestJSONSchemaNestedPath(t *testing.T) {
	spec := blockdag.GateSpec{Type: "json_schema", Schema: []byte(`{
		"properties": {"user": {"required": ["age"]}}
	}`)}
	val := value.Object(value.KV("user", value.Object(value.KV("name", value.String("a")))))

	res := Evaluate(context.Background(), spec, val, Options{})
	require.False(t, res.Passed)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "user.age", res.Details[0].Path)
}

func TestJSONSchemaTypeMismatchAtRoot(t *testing.T) {
	spec := blockdag.GateSpec{Type: "json_schema", Schema: []byte(`{"type":"string"}`)}
	val := value.Number(3)

	res := Evaluate(context.Background(), spec, val, Options{})
	require.False(t, res.Passed)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "$", res.Details[0].Path)
}

func TestExpressionGate(t *testing.T) {
	spec := blockdag.GateSpec{Type: "expression", Expression: ".count >= 2"}
	val := value.Object(value.KV("count", value.Number(2)))
	assert.True(t, Evaluate(context.Background(), spec, val, Options{}).Passed)

	val = value.Object(value.KV("count", value.Number(1)))
	res := Evaluate(context.Background(), spec, val, Options{})
	assert.False(t, res.Passed)
}

func TestWordCountGate(t *testing.T) {
	spec := blockdag.GateSpec{Type: "word_count", MinWords: intp(2), MaxWords: intp(5)}
	assert.True(t, Evaluate(context.Background(), spec, value.String("one two three"), Options{}).Passed)
	assert.False(t, Evaluate(context.Background(), spec, value.String("one"), Options{}).Passed)
	assert.False(t, Evaluate(context.Background(), spec, value.String("a b c d e f"), Options{}).Passed)
}

type fakeProvider struct {
	result ReviewResult
	err    error
}

func (f fakeProvider) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	return f.result, f.err
}

func TestLlmReviewGate(t *testing.T) {
	spec := blockdag.GateSpec{Type: "llm_review", Threshold: f64p(0.9)}

	res := Evaluate(context.Background(), spec, value.String("x"), Options{})
	assert.False(t, res.Passed)
	assert.Equal(t, "no provider", res.Reason)

	res = Evaluate(context.Background(), spec, value.String("x"), Options{Provider: fakeProvider{result: ReviewResult{Score: 0.5}}})
	assert.False(t, res.Passed)

	res = Evaluate(context.Background(), spec, value.String("x"), Options{Provider: fakeProvider{result: ReviewResult{Score: 0.95}}})
	assert.True(t, res.Passed)

	res = Evaluate(context.Background(), spec, value.String("x"), Options{Provider: fakeProvider{err: errors.New("boom")}})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "boom")
}

func TestShellGateBlockedByDefault(t *testing.T) {
	spec := blockdag.GateSpec{Type: "shell", Argv: []string{"true"}}
	res := Evaluate(context.Background(), spec, value.Null(), Options{})
	require.False(t, res.Passed)
	assert.Equal(t, "blocked", res.Audit["status"])
	assert.Equal(t, "shell", res.Audit["gate_type"])
}

func TestShellGateRunsWhenEnabled(t *testing.T) {
	spec := blockdag.GateSpec{Type: "shell", Argv: []string{"true"}}
	res := Evaluate(context.Background(), spec, value.Null(), Options{ShellGatesEnabled: true})
	assert.True(t, res.Passed)

	spec = blockdag.GateSpec{Type: "shell", Argv: []string{"false"}}
	res = Evaluate(context.Background(), spec, value.Null(), Options{ShellGatesEnabled: true})
	assert.False(t, res.Passed)
}

func TestFeedbackComposesFailingGatesOnly(t *testing.T) {
	results := []Result{
		{Gate: "a", Passed: true},
		{Gate: "b", Passed: false, Reason: "price > 100", Details: []Detail{{Path: "price", Message: "too low"}}},
	}
	fb := Feedback(results)
	assert.Contains(t, fb, "price > 100")
	assert.Contains(t, fb, "price: too low")
	assert.NotContains(t, fb, "gate a failed")
}
