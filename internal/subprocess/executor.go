// Package subprocess implements the default, unsandboxed Executor
// (SPEC_FULL.md §4.9): it runs a command's shell text with os/exec and
// reports back exactly its declared inputs/outputs rather than observing
// which files the child process actually touched. This is grounded on
// original_source/'s unsandboxed fallback build mode, which runs without
// the ptrace/LD_PRELOAD dependency checker and trusts the Tupfile's
// declarations as-is; a real sandboxed Executor can be swapped in later
// without the Execute Scheduler changing, since it only depends on the
// execsched.Executor interface.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/naudhr/tup/internal/execsched"
)

// Executor runs commands with "sh -c" in the command's declared working
// directory.
type Executor struct {
	// Shell defaults to "sh" when empty.
	Shell string
}

// New returns an Executor using the system shell.
func New() *Executor {
	return &Executor{}
}

// Execute implements execsched.Executor.
func (e *Executor) Execute(ctx context.Context, req execsched.ExecRequest) (execsched.ExecResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Env = envSlice(req.Env)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitStatus := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitStatus = exitErr.ExitCode()
		} else {
			return execsched.ExecResult{}, fmt.Errorf("tup: run %q: %w", req.Command, err)
		}
	}

	return execsched.ExecResult{
		ExitStatus: exitStatus,
		Reads:      req.Inputs,
		Writes:     req.Outputs,
		Stderr:     stderr.Bytes(),
	}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
