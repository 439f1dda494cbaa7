// Package postprocess implements the repair/extract pipeline that runs on a
// completed item's directory: magic-byte deobfuscation, par2 verify/repair,
// archive extraction and cleanup.
package postprocess

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// Sentinel errors the pipeline treats as "tool unavailable, step skipped".
var (
	ErrToolNotFound = errors.New(errors.KindPostProcess, "external tool not found")
	ErrToolTimeout  = errors.New(errors.KindPostProcess, "external tool timed out")
)

// RunResult captures a finished subprocess.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ToolRunner executes one bounded external tool invocation. Injectable so
// pipeline tests run without par2/unrar/7z installed.
type ToolRunner interface {
	Run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (RunResult, error)
}

type execRunner struct {
	log *slog.Logger
}

// NewRunner returns the os/exec-backed runner.
func NewRunner() ToolRunner {
	return &execRunner{log: slog.Default().With("component", "tool-runner")}
}

// Run looks up the tool on PATH and executes it with a hard deadline. The
// process is killed on expiry. A nonzero exit returns the populated result
// together with a non-nil error.
func (r *execRunner) Run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (RunResult, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return RunResult{}, errors.Wrap(errors.KindPostProcess, name, ErrToolNotFound)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()

	res := RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	r.log.DebugContext(ctx, "tool finished",
		"tool", name, "args", args, "exit_code", res.ExitCode,
		"duration", time.Since(start).Round(time.Millisecond))

	if runCtx.Err() == context.DeadlineExceeded {
		return res, errors.Wrap(errors.KindPostProcess, fmt.Sprintf("%s after %s", name, timeout), ErrToolTimeout)
	}
	if runErr != nil {
		return res, errors.Wrap(errors.KindPostProcess, fmt.Sprintf("%s exit %d", name, res.ExitCode), runErr)
	}
	return res, nil
}
