package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
)

var flagCheckDeps bool

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "emit the current graph in graphviz format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(nil)
		if err != nil {
			return err
		}
		e, err := engine.Open(engine.Options{ProjectRoot: root})
		if err != nil {
			return err
		}
		defer e.Close()
		dot, err := e.Graph(cmd.Context(), flagCheckDeps)
		if err != nil {
			return err
		}
		fmt.Print(dot)
		return nil
	},
}

func init() {
	graphCmd.Flags().BoolVar(&flagCheckDeps, "check-deps", false, "color edges by whether the destination node is live or dangling")
	rootCmd.AddCommand(graphCmd)
}
