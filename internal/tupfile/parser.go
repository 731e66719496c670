// Package tupfile implements a minimal concrete parsesched.Parser for
// the literal rule syntax used throughout spec.md §8's scenarios:
//
//	: input1 input2 |> command %f -o %o |> output1 output2
//
// The real Tupfile grammar (expression language, macros, conditionals)
// is an out-of-scope external collaborator per spec.md §1; this gives
// the CLI and the end-to-end tests something concrete to parse without
// pretending to be that collaborator. There is no pack example of a
// rule-file parser to ground this on, so it is written directly against
// bufio/strings — recorded as a justified stdlib piece in DESIGN.md.
package tupfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/naudhr/tup/internal/parsesched"
)

// Parser implements parsesched.Parser for the "`:` inputs `|>` command
// `|>` outputs" rule syntax.
type Parser struct{}

// New returns a Parser.
func New() *Parser { return &Parser{} }

// Parse implements parsesched.Parser.
func (p *Parser) Parse(_ context.Context, req parsesched.ParseRequest) (parsesched.ParseResult, error) {
	var result parsesched.ParseResult
	scan := bufio.NewScanner(bytes.NewReader(req.Tupfile))
	line := 0
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		dc, err := parseRule(text, req.Vars)
		if err != nil {
			return parsesched.ParseResult{}, parsesched.ParseErrorLocation{
				File: "Tupfile", Line: line, Message: err.Error(),
			}
		}
		result.Commands = append(result.Commands, dc)
	}
	if err := scan.Err(); err != nil {
		return parsesched.ParseResult{}, err
	}
	return result, nil
}

// parseRule parses one "`:` inputs `|>` command `|>` outputs" line,
// substituting `%f` (space-joined inputs) and `%o` (space-joined
// outputs) in the command text (spec.md §8 scenario 1's `%f`/`%o`).
func parseRule(text string, vars map[string]string) (parsesched.DeclaredCommand, error) {
	if !strings.HasPrefix(text, ":") {
		return parsesched.DeclaredCommand{}, fmt.Errorf("rule must start with ':'")
	}
	parts := strings.Split(text[1:], "|>")
	if len(parts) != 3 {
		return parsesched.DeclaredCommand{}, fmt.Errorf("expected ': inputs |> command |> outputs', got %q", text)
	}
	inputs := fields(parts[0])
	cmdText := strings.TrimSpace(substitute(parts[1], vars))
	outputs := fields(parts[2])
	if len(outputs) == 0 {
		return parsesched.DeclaredCommand{}, fmt.Errorf("rule declares no outputs")
	}

	cmdText = strings.ReplaceAll(cmdText, "%f", strings.Join(inputs, " "))
	cmdText = strings.ReplaceAll(cmdText, "%o", strings.Join(outputs, " "))

	return parsesched.DeclaredCommand{
		Name:    outputs[0],
		Display: cmdText,
		Flags:   cmdText,
		Inputs:  inputs,
		Outputs: outputs,
	}, nil
}

func substitute(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "@"+k+"@", v)
	}
	return s
}

func fields(s string) []string {
	raw := strings.Fields(s)
	if len(raw) == 0 {
		return nil
	}
	return raw
}
