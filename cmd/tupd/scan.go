package main

import (
	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "run the Scanner",
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
		return e.Scan(cmd.Context())
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "stop after the Scanner (alias of scan)",
	Args:  cobra.NoArgs,
	RunE:  scanCmd.RunE,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
}
