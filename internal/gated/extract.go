package gated

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowforge/dagrunner/internal/value"
)

// ExtractMode selects how a producer's raw output is turned into the value
// that gates evaluate.
type ExtractMode string

const (
	ExtractAuto   ExtractMode = "auto"
	ExtractJSON   ExtractMode = "json"
	ExtractText   ExtractMode = "text"
	ExtractCustom ExtractMode = "custom"
)

// CustomExtractor is supplied by the caller when Config.Extract is
// ExtractCustom; it gets the producer's raw output and returns the value
// gates should evaluate.
type CustomExtractor func(raw any) (value.Value, error)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

func extract(mode ExtractMode, raw any, custom CustomExtractor) (value.Value, error) {
	if mode == ExtractCustom {
		if custom == nil {
			return value.Value{}, fmt.Errorf("gated: extract mode custom requires a CustomExtractor")
		}
		return custom(raw)
	}

	s, isString := raw.(string)
	if !isString {
		return value.FromAny(raw), nil
	}

	switch mode {
	case ExtractText:
		return value.String(s), nil
	case ExtractJSON:
		return extractJSON(s)
	case ExtractAuto:
		return extractAuto(s)
	default:
		return value.Value{}, fmt.Errorf("gated: unknown extract mode %q", mode)
	}
}

func extractJSON(s string) (value.Value, error) {
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		if v, err := value.ParseJSON([]byte(strings.TrimSpace(m[1]))); err == nil {
			return v, nil
		}
	}
	if sub, ok := findBalancedJSON(s); ok {
		if v, err := value.ParseJSON([]byte(sub)); err == nil {
			return v, nil
		}
	}
	return value.Value{}, fmt.Errorf("gated: no JSON value found in output")
}

func extractAuto(s string) (value.Value, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if v, err := value.ParseJSON([]byte(trimmed)); err == nil {
			return v, nil
		}
	}
	return value.String(s), nil
}

// findBalancedJSON finds the first top-level balanced {...} or [...]
// substring in s, tolerant of nested braces/brackets inside strings.
func findBalancedJSON(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open, close = s[i], matchingClose(s[i])
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func matchingClose(open byte) byte {
	if open == '{' {
		return '}'
	}
	return ']'
}
