package gated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	producer := func(ctx context.Context, in ProducerInput) (any, error) {
		return `{"count":2}`, nil
	}
	cfg := Config{
		Gates:   []blockdag.GateSpec{{Type: "expression", Expression: ".count >= 2"}},
		Extract: ExtractJSON,
	}

	out, err := Run(context.Background(), producer, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	n, _ := out.Data.Get("count")
	num, _ := n.Number()
	assert.Equal(t, float64(2), num)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	attempts := []string{`{"count":1}`, `{"count":2}`}
	call := 0
	producer := func(ctx context.Context, in ProducerInput) (any, error) {
		out := attempts[call]
		call++
		return out, nil
	}
	cfg := Config{
		Gates:       []blockdag.GateSpec{{Type: "expression", Expression: ".count >= 2"}},
		Extract:     ExtractJSON,
		MaxAttempts: 3,
	}

	out, err := Run(context.Background(), producer, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, out.History, 2)
	assert.False(t, out.History[0].Gates[0].Passed)
	assert.True(t, out.History[1].Gates[0].Passed)
}

func TestRunExhaustsAndReportsHistory(t *testing.T) {
	producer := func(ctx context.Context, in ProducerInput) (any, error) {
		return `{"price":0}`, nil
	}
	cfg := Config{
		Gates:           []blockdag.GateSpec{{Type: "expression", Expression: ".price > 100"}},
		Extract:         ExtractJSON,
		MaxAttempts:     2,
		FeedbackEnabled: true,
	}

	out, err := Run(context.Background(), producer, cfg)
	require.Nil(t, out)
	require.Error(t, err)

	var exhaustion *GateExhaustion
	require.ErrorAs(t, err, &exhaustion)
	assert.Len(t, exhaustion.History, 2)
}

func TestRunWithNoGatesPassesFirstAttempt(t *testing.T) {
	producer := func(ctx context.Context, in ProducerInput) (any, error) {
		return "anything", nil
	}
	out, err := Run(context.Background(), producer, Config{Extract: ExtractText})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
}

func TestExtractJSONFromFencedBlock(t *testing.T) {
	v, err := extract(ExtractJSON, "here is the result:\n```json\n{\"a\":1}\n```\nthanks", nil)
	require.NoError(t, err)
	a, _ := v.Get("a")
	n, _ := a.Number()
	assert.Equal(t, float64(1), n)
}

func TestExtractAutoPassesThroughNonJSON(t *testing.T) {
	v, err := extract(ExtractAuto, "just plain text", nil)
	require.NoError(t, err)
	s, _ := v.String()
	assert.Equal(t, "just plain text", s)
}

func TestExtractCustomRequiresExtractor(t *testing.T) {
	_, err := extract(ExtractCustom, "x", nil)
	require.Error(t, err)

	v, err := extract(ExtractCustom, "x", func(raw any) (value.Value, error) {
		return value.String("custom:" + raw.(string)), nil
	})
	require.NoError(t, err)
	s, _ := v.String()
	assert.Equal(t, "custom:x", s)
}
