package gate

import (
	"context"
	"os/exec"
	"strings"

	"github.com/flowforge/dagrunner/internal/blockdag"
)

// evaluateShell runs an argv-only command and audits its exit code. It never
// invokes a shell interpreter — spec.Argv is exec'd directly, so there is no
// string for a shell to re-interpret. The gate is blocked by default; the
// deployment must opt in via Options.ShellGatesEnabled.
func evaluateShell(ctx context.Context, spec blockdag.GateSpec, opts Options) Result {
	if !opts.ShellGatesEnabled {
		return Result{
			Passed: false,
			Reason: "shell gates disabled",
			Audit:  map[string]any{"status": "blocked", "gate_type": "shell"},
		}
	}
	if len(spec.Argv) == 0 {
		return Result{Passed: false, Reason: "shell gate has no argv"}
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{
				Passed: false,
				Reason: "shell gate failed to start: " + err.Error(),
				Audit:  map[string]any{"command": strings.Join(spec.Argv, " ")},
			}
		}
	}

	audit := map[string]any{"command": strings.Join(spec.Argv, " "), "exit_code": exitCode}
	if exitCode != 0 {
		return Result{Passed: false, Reason: "command exited non-zero", Audit: audit}
	}
	return Result{Passed: true, Audit: audit}
}
