package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/enginebridge/internal/model"
)

type searchFlags struct {
	position string
	moves    []string
	depth    int
	nodes    int64
	moveTime time.Duration
	multiPV  int
}

func (s searchFlags) options() model.SearchOptions {
	return model.SearchOptions{
		Position: s.position,
		Moves:    s.moves,
		Depth:    s.depth,
		Nodes:    s.nodes,
		MoveTime: s.moveTime,
		MultiPV:  s.multiPV,
	}
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		search searchFlags
		accept bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <engine-id>",
		Short: "Analyze one position",
		Long: `Load an engine and search a single position. Intermediate reports go
to stderr, the final result to stdout.

Examples:
  enginectl analyze stockfish --depth 18
  enginectl analyze stockfish --position "startpos" --moves e2e4,e7e5 --movetime 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			unsub := f.OnInfo(func(info model.Info) { printInfo(cmd.ErrOrStderr(), info) })
			defer unsub()

			out := f.Analyze(ctx, search.options())
			switch {
			case out.Err != nil:
				return out.Err
			case !out.OK():
				return errors.New("analysis cancelled")
			}
			return printResult(cmd.OutOrStdout(), out.Result, asJSON)
		},
	}

	addSearchFlags(cmd, &search)
	cmd.Flags().BoolVar(&accept, "accept-terms", false, "Accept the engine's terms when it requires consent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func addSearchFlags(cmd *cobra.Command, s *searchFlags) {
	cmd.Flags().StringVarP(&s.position, "position", "p", "startpos", "Position to search")
	cmd.Flags().StringSliceVarP(&s.moves, "moves", "m", nil, "Moves played from the position")
	cmd.Flags().IntVarP(&s.depth, "depth", "d", 0, "Search depth limit")
	cmd.Flags().Int64Var(&s.nodes, "nodes", 0, "Node limit")
	cmd.Flags().DurationVar(&s.moveTime, "movetime", 0, "Time limit")
	cmd.Flags().IntVar(&s.multiPV, "multipv", 0, "Number of principal variations")
}

func printInfo(w io.Writer, info model.Info) {
	var b strings.Builder
	fmt.Fprintf(&b, "depth %d", info.Depth)
	if info.Score != nil {
		fmt.Fprintf(&b, " score %s %d", info.Score.Type, info.Score.Value)
	}
	if info.Nodes > 0 {
		fmt.Fprintf(&b, " nodes %d", info.Nodes)
	}
	if len(info.PV) > 0 {
		fmt.Fprintf(&b, " pv %s", strings.Join(info.PV, " "))
	}
	fmt.Fprintln(w, b.String())
}

func printResult(w io.Writer, res model.Result, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(res)
	}
	if res.Ponder != "" {
		_, err := fmt.Fprintf(w, "bestmove %s ponder %s\n", res.BestMove, res.Ponder)
		return err
	}
	_, err := fmt.Fprintf(w, "bestmove %s\n", res.BestMove)
	return err
}
