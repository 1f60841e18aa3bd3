package approval

import "errors"

// ErrInvalidToken is returned when a decision names a token that doesn't
// resolve to a pending approval on the run in question.
var ErrInvalidToken = errors.New("approval: invalid or already-decided token")

// ErrMaxCyclesReached is returned when a reject decision would push a run's
// reject→iterate cycle count past its configured max_cycles.
var ErrMaxCyclesReached = errors.New("approval: max reject cycles reached")

const (
	CodeInvalidToken     = "INVALID_APPROVAL_TOKEN"
	CodeMaxCyclesReached = "MAX_CYCLES_REACHED"
)

const defaultMaxCycles = 5

// latestToken is the special token value that resolves to a run's most
// recently requested pending approval instead of naming one explicitly.
const latestToken = "latest"
