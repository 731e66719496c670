package main

import (
	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
	"github.com/naudhr/tup/internal/tupfile"
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "stop after the Parse Scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withParseEngine(cmd, func(e *engine.Engine) error {
			return e.Parse(cmd.Context(), false)
		})
	},
}

var refactorCmd = &cobra.Command{
	Use:     "refactor",
	Aliases: []string{"ref"},
	Short:   "parse in refactor mode",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withParseEngine(cmd, func(e *engine.Engine) error {
			return e.Parse(cmd.Context(), true)
		})
	},
}

func init() {
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(refactorCmd)
}

// withParseEngine opens an Engine wired with the default rule-syntax
// Parser (internal/tupfile) and runs fn against it.
func withParseEngine(cmd *cobra.Command, fn func(*engine.Engine) error) error {
	root, err := projectRoot(nil)
	if err != nil {
		return err
	}
	e, err := engine.Open(engine.Options{ProjectRoot: root, Parser: tupfile.New()})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}
