// Command tupd is the CLI surface for the dependency-graph build engine
// (design §6), a cobra.Command tree with one subcommand file per verb,
// grounded on Yakitrak-obsidian-cli/cmd's layout and root.go's
// Execute() wrapper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tupd",
	Short: "tupd - persistent dependency-graph build engine",
}

var (
	flagWorkers  int
	flagFailFast bool
)

func init() {
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", 1, "number of concurrent worker goroutines")
	rootCmd.PersistentFlags().BoolVar(&flagFailFast, "fail-fast", false, "stop dispatching new work after the first command failure")
}

func main() {
	os.Exit(run())
}

func run() int {
	// design §5 "Cancellation": SIGINT stops dispatching new work and lets
	// in-flight work finish; ExecuteContext propagates that cancellation
	// down to the running subcommand (notably `upd --watch`'s loop).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return 0
}

// exitCode implements design §6's coercion table: 0 success (handled by
// the caller before this is reached), 1 non-fatal error, 11 reserved for
// "link exists" test probes, any negative internal status coerced to 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ec, ok := err.(interface{ ExitCode() int }); ok {
		code := ec.ExitCode()
		if code < 0 {
			return 1
		}
		return code
	}
	return 1
}

// projectRoot resolves the directory argument most subcommands accept
// (defaulting to the current directory).
func projectRoot(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return os.Getwd()
}
