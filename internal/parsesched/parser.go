// Package parsesched implements the Parse Scheduler from design §4.5: it
// drains the create-flag queue, hands each flagged directory's Tupfile to
// an external Parser, diffs the declaration batch against the Store, and
// applies the result atomically.
package parsesched

import (
	"context"
	"fmt"
)

// DeclaredCommand is one command from a Parser's declaration batch (design
// §6 "Parser interface").
type DeclaredCommand struct {
	// Name identifies the command within its directory across parses, so
	// the scheduler can tell "same command, different text" from
	// "removed command, new command".
	Name    string
	Display string
	Flags   string
	Inputs  []string
	Outputs []string
	Groups  []string
	// ExcludedOutputs are output patterns this command does not guarantee
	// to produce every run (design §4.5 step 3's "excluded outputs").
	ExcludedOutputs []string
}

// ParseRequest is handed to the external Parser for one flagged directory.
type ParseRequest struct {
	DirPath   string
	Tupfile   []byte
	VardbPath string
	Vars      map[string]string
	Env       map[string]string
}

// ParseResult is the external Parser's declaration batch.
type ParseResult struct {
	Commands []DeclaredCommand
	// RescanDirs are directories (relative to the project root) the
	// parser wants re-parsed, e.g. because it read a tup.config variable
	// that also governs them (design §4.5 step 4).
	RescanDirs []string
}

// Parser is the out-of-scope external collaborator that turns a Tupfile's
// contents into a declaration batch (design §6).
type Parser interface {
	Parse(ctx context.Context, req ParseRequest) (ParseResult, error)
}

// ParseErrorLocation is a (file, line, message) tuple as described in
// design §6's Parser interface error contract.
type ParseErrorLocation struct {
	File    string
	Line    int
	Message string
}

func (e ParseErrorLocation) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// Sentinel invariant-violation errors (design §7).
var (
	ErrDuplicateOutput   = fmt.Errorf("tup: duplicate output")
	ErrRefactorViolation = fmt.Errorf("tup: refactor violation: non-empty diff")
)
