// Package execsched implements the Execute Scheduler from design §4.6: it
// builds the in-memory execution DAG for the modify-flagged commands,
// runs them in dependency order through a bounded worker pool, and
// validates each command's observed reads/writes against the declared
// graph.
package execsched

import (
	"context"
	"fmt"
)

// ExecRequest is handed to the external Executor for one command (design
// §6's "Executor interface").
type ExecRequest struct {
	Display string
	Command string
	Dir     string
	Env     map[string]string
	// Inputs and Outputs are the command's declared dependencies, both
	// relative to the project root. The default subprocess.Executor
	// (SPEC_FULL.md §4.9) trusts these rather than observing syscalls; a
	// real sandboxed Executor may ignore them and report what it actually
	// observed instead.
	Inputs  []string
	Outputs []string
}

// ExecResult is what the Executor reports back after running a command.
type ExecResult struct {
	ExitStatus int
	// Reads and Writes are project-root-relative when inside the tree,
	// absolute (and treated as external read-only references) otherwise.
	Reads  []string
	Writes []string
	Stderr []byte
}

// Executor is the out-of-scope sandboxed command runner (design §6); see
// internal/subprocess for the default, unsandboxed implementation.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Sentinel invariant-violation errors (design §7). ErrUpstreamFailed is
// never returned bare: scheduler.go's drain wraps it per skipped command
// (Unwrap() returns this sentinel) so errors.Is still matches it through
// Run's joined result.
var (
	ErrUndeclaredOutput = fmt.Errorf("tup: undeclared output")
	ErrMissingOutput    = fmt.Errorf("tup: missing declared output")
	ErrMissingInput     = fmt.Errorf("tup: missing declared input")
	ErrUpstreamFailed   = fmt.Errorf("tup: skipped, upstream command failed")
)
