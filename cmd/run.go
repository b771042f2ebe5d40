// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"atomicgo.dev/cursor"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/session"
)

var (
	runCells   []string
	runJSON    bool
	runWrite   bool
	runMaxRows int
)

// batchError carries the process exit code for a batch that did not finish
// cleanly.
type batchError struct {
	code int
	msg  string
}

func (e batchError) Error() string { return e.msg }

// runCmd executes cells of a notebook document.
var runCmd = &cobra.Command{
	Use:   "run <document>",
	Short: "Run the cells of a notebook document",
	Long: `The run command executes cells of a YAML notebook document in document order.
Pre-execution JSON cells always run first. Without --cell every cell runs.

Press Ctrl+C once to interrupt the running cell and stop the batch; press it
again to exit immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := notebook.Load(args[0])
		if err != nil {
			return err
		}
		requested, err := selectCells(doc, runCells)
		if err != nil {
			return err
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		deps, err := a.deps()
		if err != nil {
			return err
		}

		var r *renderer
		opts := session.Options{Deps: deps, History: a.history, Log: a.log}
		if !runJSON {
			r = newRenderer(cmd.OutOrStdout(), runMaxRows)
			opts.Observer = r.handle
		}
		mgr := session.NewManager(opts)

		ctx := cmd.Context()
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go func() {
			interrupted := false
			for {
				select {
				case <-stopWatch:
					return
				case <-sig:
					if interrupted {
						cursor.Show()
						os.Exit(130)
					}
					interrupted = true
					if !runJSON {
						pterm.Warning.Println("Interrupting… press Ctrl+C again to exit immediately")
					}
					if _, err := mgr.Interrupt(ctx, doc.Path()); err != nil {
						a.log.Warn("interrupt", zap.Error(err))
					}
				}
			}
		}()

		if r != nil && term.IsTerminal(int(os.Stdout.Fd())) {
			cursor.Hide()
			defer cursor.Show()
		}

		batch, err := mgr.Run(ctx, doc, requested)
		if err != nil {
			return err
		}

		if runWrite && len(batch.Mutated) > 0 {
			if err := doc.Save(); err != nil {
				return fmt.Errorf("save document: %w", err)
			}
		}
		if runJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(batch); err != nil {
				return err
			}
		}

		switch {
		case batch.Interrupted:
			return batchError{code: 130, msg: "batch interrupted"}
		case batch.Failed():
			return batchError{code: 1, msg: "one or more cells failed"}
		}
		return nil
	},
}

// selectCells resolves --cell targets to document indexes. No targets means
// every cell.
func selectCells(doc *notebook.Document, targets []string) ([]int, error) {
	if len(targets) == 0 {
		out := make([]int, doc.Len())
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := make([]int, 0, len(targets))
	for _, t := range targets {
		c, ok := doc.Resolve(t)
		if !ok {
			return nil, fmt.Errorf("cell %q not found in %s", t, doc.Path())
		}
		out = append(out, c.Index)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVarP(&runCells, "cell", "c", nil, "Cell to run, by name or #N (repeatable)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the batch result as JSON instead of rendering it")
	runCmd.Flags().BoolVar(&runWrite, "write", false, "Save JSON cells rewritten by scripts back to the document")
	runCmd.Flags().IntVar(&runMaxRows, "max-rows", 20, "Rows to print per result table (0 for all)")
}
