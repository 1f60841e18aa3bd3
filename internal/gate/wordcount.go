package gate

import (
	"fmt"
	"strings"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

func evaluateWordCount(spec blockdag.GateSpec, val value.Value) Result {
	text := val.AsString()
	if s, ok := val.String(); ok {
		text = s
	}

	count := len(strings.Fields(text))

	if spec.MinWords != nil && count < *spec.MinWords {
		return Result{Passed: false, Reason: fmt.Sprintf("word count %d below minimum %d", count, *spec.MinWords), Audit: map[string]any{"word_count": count}}
	}
	if spec.MaxWords != nil && count > *spec.MaxWords {
		return Result{Passed: false, Reason: fmt.Sprintf("word count %d above maximum %d", count, *spec.MaxWords), Audit: map[string]any{"word_count": count}}
	}
	return Result{Passed: true, Audit: map[string]any{"word_count": count}}
}
