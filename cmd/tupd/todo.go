package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
)

var todoCmd = &cobra.Command{
	Use:   "todo [targets...]",
	Short: "print the Commands that would run",
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
		commands, err := e.Todo(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range commands {
			fmt.Println(c)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(todoCmd)
}
