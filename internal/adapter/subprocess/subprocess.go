// Package subprocess implements a reference provider adapter that dispatches
// block work to a local command via argv — never a shell string, so
// nothing downstream of a block's output can smuggle shell metacharacters
// back into a command line.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/flowforge/dagrunner/internal/provider"
)

// gracePeriod is how long Dispatch waits after a polite terminate signal
// before escalating to SIGKILL, mirroring the teacher's Agent.Signal
// grace-then-force shape.
const gracePeriod = 5 * time.Second

// Adapter dispatches by running Argv with the request's JSON encoded onto
// stdin and the block's resolved context available via DAGRUNNER_CONTEXT.
type Adapter struct {
	Argv []string
}

// New builds a subprocess adapter that execs argv for every dispatch.
func New(argv []string) *Adapter { return &Adapter{Argv: argv} }

// Dispatch runs the configured command once, feeding it req as JSON on
// stdin and capturing stdout as Output. stderr is folded into Error on
// failure, truncated to the raw_output_preview size limit.
func (a *Adapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.DispatchResult, error) {
	if len(a.Argv) == 0 {
		return provider.DispatchResult{}, fmt.Errorf("subprocess adapter: empty argv")
	}

	cmd := exec.CommandContext(ctx, a.Argv[0], a.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	input, err := encodeRequest(req)
	if err != nil {
		return provider.DispatchResult{}, fmt.Errorf("subprocess adapter: encode request: %w", err)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return provider.DispatchResult{}, fmt.Errorf("subprocess adapter: start: %w", err)
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return provider.DispatchResult{
				Success: false,
				Error:   stderr.String(),
			}, nil
		}
		return provider.DispatchResult{Success: true, Output: stdout.String()}, nil
	case <-ctx.Done():
		terminate(cmd, done)
		return provider.DispatchResult{Success: false, Error: "cancelled: " + ctx.Err().Error()}, nil
	}
}

// terminate sends SIGTERM to the command's process group, escalating to
// SIGKILL if it hasn't exited after gracePeriod.
func terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(gracePeriod):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

func encodeRequest(req provider.DispatchRequest) ([]byte, error) {
	preview := struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		Context            any      `json:"context"`
		AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
		BounceCount        int      `json:"bounce_count"`
		System             string   `json:"system,omitempty"`
	}{
		Title:              req.Title,
		Description:        req.Description,
		Context:            req.Context.ToAny(),
		AcceptanceCriteria: req.AcceptanceCriteria,
		BounceCount:        req.BounceCount,
		System:             req.System,
	}
	return json.Marshal(preview)
}
