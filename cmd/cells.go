package cmd

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cellrun/cli/internal/notebook"
)

var cellsTogglePre string

var cellsCmd = &cobra.Command{
	Use:   "cells <document>",
	Short: "List the cells of a document",
	Long: `The cells command lists every cell of a notebook document with its index,
name, content type and flags. --toggle-pre flips the pre-execution flag of a
JSON cell and saves the document.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := notebook.Load(args[0])
		if err != nil {
			return err
		}

		if cellsTogglePre != "" {
			c, ok := doc.Resolve(cellsTogglePre)
			if !ok {
				return fmt.Errorf("cell %q not found in %s", cellsTogglePre, doc.Path())
			}
			on, err := doc.TogglePreExecution(c.Index)
			if err != nil {
				return err
			}
			if err := doc.Save(); err != nil {
				return err
			}
			pterm.Success.Printf("Cell #%d pre-execution: %v\n", c.Index+1, on)
			return nil
		}

		data := pterm.TableData{{"#", "Name", "Type", "Flags", "Source"}}
		for _, c := range doc.Cells() {
			data = append(data, []string{
				fmt.Sprint(c.Index + 1),
				c.Name,
				string(c.Type),
				cellFlags(c),
				oneLine(c.Source, 50),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func cellFlags(c notebook.Cell) string {
	var flags []string
	if c.Metadata.Skip {
		flags = append(flags, "skip")
	}
	if c.Metadata.PreExecution {
		flags = append(flags, "pre")
	}
	if c.Metadata.SharedVariable != "" {
		flags = append(flags, "→"+c.Metadata.SharedVariable)
	}
	if s := c.Metadata.SQL; s != nil && s.Connection != "" {
		flags = append(flags, "@"+s.Connection)
	}
	return strings.Join(flags, " ")
}

func init() {
	rootCmd.AddCommand(cellsCmd)
	cellsCmd.Flags().StringVar(&cellsTogglePre, "toggle-pre", "", "Flip the pre-execution flag of a JSON cell (name or #N)")
}
