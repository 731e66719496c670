package main

import (
	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
)

var variantCmd = &cobra.Command{
	Use:   "variant config-file...",
	Short: "create a variant directory linked to a config",
	Args:  cobra.MinimumNArgs(1),
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
		for _, cfg := range args {
			if _, err := e.CreateVariant(cmd.Context(), cfg); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(variantCmd)
}
