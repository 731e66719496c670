package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/naudhr/tup/internal/engine"
	"github.com/naudhr/tup/internal/scanner"
	"github.com/naudhr/tup/internal/subprocess"
	"github.com/naudhr/tup/internal/tupfile"
)

var flagWatch bool

var updCmd = &cobra.Command{
	Use:   "upd [targets...]",
	Short: "run Scanner -> Parse Scheduler -> Execute Scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(nil)
		if err != nil {
			return err
		}

		var mon *scanner.Monitor
		if flagWatch {
			mon, err = scanner.NewMonitor([]string{root}, nil)
			if err != nil {
				return err
			}
		}

		e, err := engine.Open(engine.Options{
			ProjectRoot: root,
			Parser:      tupfile.New(),
			Executor:    subprocess.New(),
			Monitor:     mon,
			Workers:     flagWorkers,
			FailFast:    flagFailFast,
		})
		if err != nil {
			return err
		}
		defer e.Close()
		if mon != nil {
			defer mon.Close()
			return runWatchLoop(cmd.Context(), e, mon)
		}
		return e.Update(cmd.Context())
	},
}

// runWatchLoop keeps the Engine current via mon, re-running Update every
// time the Monitor's incremental ConsumeMonitorEvents settles back to
// "current" (design §4.4's Monitor-fed alternative to repeated full
// scans), until ctx is cancelled by SIGINT (design §5 "Cancellation").
func runWatchLoop(ctx context.Context, e *engine.Engine, mon *scanner.Monitor) error {
	if err := e.Update(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	settled := make(chan struct{}, 1)
	signalSettled := func() {
		select {
		case settled <- struct{}{}:
		default:
		}
	}

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- e.ConsumeMonitorEvents(ctx, signalSettled)
		close(settled)
	}()

	for range settled {
		if err := e.Update(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	return <-consumeErr
}

func init() {
	updCmd.Flags().BoolVar(&flagWatch, "watch", false,
		"keep running, re-running Update whenever the fsnotify-backed Monitor observes a filesystem change")
	rootCmd.AddCommand(updCmd)
}
