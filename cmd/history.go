package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	historyClear bool
	historyJSON  bool
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List or clear recorded query history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if historyClear {
			if err := a.history.Clear(); err != nil {
				return err
			}
			pterm.Success.Println("History cleared")
			return nil
		}

		entries := a.history.List()
		if historyLimit > 0 && len(entries) > historyLimit {
			entries = entries[:historyLimit]
		}
		if historyJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			pterm.Info.Println("No history recorded yet")
			return nil
		}

		data := pterm.TableData{{"When", "Connection", "Status", "Rows", "SQL"}}
		for _, e := range entries {
			data = append(data, []string{
				e.RecordedAt.Local().Format("2006-01-02 15:04:05"),
				e.Connection,
				e.Result.Status,
				fmt.Sprint(e.Result.RowCount),
				oneLine(e.SQL, 60),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "Remove every history entry")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print entries as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show at most N entries")
}
