package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/enginebridge/internal/batch"
	"github.com/seantiz/enginebridge/internal/config"
	"github.com/seantiz/enginebridge/internal/model"
)

func newBatchCmd(a *app) *cobra.Command {
	var (
		accept bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "batch <engine-id> <searches.yaml>",
		Short: "Analyze a queue of positions",
		Long: `Analyze every search of a YAML file in order. Send SIGUSR1 to pause or
resume the queue; an interrupt aborts it and prints what finished.

The file holds a list of searches:

  - position: startpos
    depth: 12
  - position: startpos
    moves: [e2e4]
    move_time: 1500ms`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := config.LoadSearches(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			br, closeAll, err := a.openBridge(ctx)
			if err != nil {
				return err
			}
			defer closeAll(context.WithoutCancel(ctx))

			f, err := a.loadEngine(ctx, br, args[0], accept)
			if err != nil {
				return err
			}

			an := batch.New(f, items, batch.WithLogger(a.logger))
			stopToggle := togglePauseOnSignal(ctx, an)
			defer stopToggle()

			out := cmd.OutOrStdout()
			results, err := an.AnalyzeAll(ctx, func(index, total int, res model.Result) {
				if !asJSON {
					fmt.Fprintf(out, "[%d/%d] bestmove %s\n", index, total, res.BestMove)
				}
			})
			if asJSON {
				if encErr := json.NewEncoder(out).Encode(results); encErr != nil {
					return encErr
				}
			}
			if err != nil && errors.Is(err, context.Canceled) {
				p := an.Progress()
				return fmt.Errorf("batch interrupted after %d of %d searches", p.Current, p.Total)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&accept, "accept-terms", false, "Accept the engine's terms when it requires consent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print all results as JSON when done")
	return cmd
}

// togglePauseOnSignal pauses or resumes an on every SIGUSR1 until ctx ends.
func togglePauseOnSignal(ctx context.Context, an *batch.Analyzer) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				if an.Paused() {
					an.Resume()
				} else {
					an.Pause(ctx)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
