package blockexec

import "errors"

// Error codes recorded on a failed block instance's ErrorInfo.Code.
const (
	CodeMissingInput      = "MISSING_INPUT"
	CodeAdapterResolution = "ADAPTER_RESOLUTION_FAILED"
	CodePreGateFailed     = "PRE_GATE_FAILED"
	CodeAdapterError      = "ADAPTER_ERROR"
	CodeDispatchFailed    = "DISPATCH_FAILED"
	CodeBlockTimeout      = "BLOCK_TIMEOUT"
	CodeContractMismatch  = "CONTRACT_MISMATCH"
	CodePostGateFailed    = "POST_GATE_FAILED"
	CodeCancelled         = "CANCELLED"
)

// ErrApprovalAborted is returned by Execute when a block's approval wait
// ends without an approval signal — the approval controller has already
// moved the run to a terminal or iterated state, so the caller should treat
// this submission as abandoned rather than as a failed block instance.
var ErrApprovalAborted = errors.New("blockexec: approval wait aborted")
