package main

import (
	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "create .tup and initialize the schema",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(args)
		if err != nil {
			return err
		}
		e, err := engine.Open(engine.Options{ProjectRoot: root})
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Init(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
