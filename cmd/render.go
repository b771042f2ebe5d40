package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/session"
)

// renderer prints session events as they arrive. Script stdout is streamed
// live; everything else is printed when the cell finishes.
type renderer struct {
	w        io.Writer
	maxRows  int
	progress *session.Progress
	started  time.Time

	mu       sync.Mutex
	streamed map[int]bool
}

func newRenderer(w io.Writer, maxRows int) *renderer {
	return &renderer{w: w, maxRows: maxRows, progress: session.NewProgress(), streamed: make(map[int]bool)}
}

var (
	styleHeader = pterm.NewStyle(pterm.FgLightCyan, pterm.Bold)
	styleDim    = pterm.NewStyle(pterm.FgGray)
	styleErr    = pterm.NewStyle(pterm.FgRed)
	styleOK     = pterm.NewStyle(pterm.FgGreen)
	styleSkip   = pterm.NewStyle(pterm.FgYellow)
)

func (r *renderer) handle(ev session.Event) {
	r.progress.Observe(ev)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case session.EventBatchPlanned:
		r.started = time.Now()
		fmt.Fprintln(r.w, styleHeader.Sprintf("→ Running %d cell(s)", len(ev.Plan)))
	case session.EventCellStarted:
		fmt.Fprintln(r.w)
		fmt.Fprintln(r.w, styleHeader.Sprint("▶ "+ev.Label))
	case session.EventCellOutput:
		if ev.Stream != scriptkernel.Stdout {
			return
		}
		r.streamed[ev.Cell] = true
		fmt.Fprintln(r.w, styleDim.Sprint("  │ ")+ev.Line)
	case session.EventCellFinished:
		if ev.Result != nil {
			r.result(ev.Cell, *ev.Result)
		}
	case session.EventCellMutated:
		fmt.Fprintln(r.w, styleDim.Sprintf("  updated json cell #%d", ev.Target+1))
	case session.EventBatchDone:
		r.summary(ev.Interrupted)
	}
}

func (r *renderer) result(cell int, res notebook.RunResult) {
	dur := res.Duration.Round(time.Millisecond)
	switch res.Status {
	case notebook.StatusSkipped:
		fmt.Fprintln(r.w, styleSkip.Sprint("  ↷ skipped"))
		return
	case notebook.StatusError:
		fmt.Fprintln(r.w, styleErr.Sprintf("  ✗ failed in %s", dur))
	default:
		fmt.Fprintln(r.w, styleOK.Sprintf("  ✓ done in %s", dur))
	}

	if out := strings.TrimRight(res.Stdout, "\n"); out != "" && !r.streamed[cell] {
		for _, line := range strings.Split(out, "\n") {
			fmt.Fprintln(r.w, "  "+line)
		}
	}
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		for _, line := range strings.Split(msg, "\n") {
			fmt.Fprintln(r.w, styleErr.Sprint("  "+line))
		}
	}

	meta := res.Metadata
	if meta == nil {
		return
	}
	if meta.AnalyzePlan != nil {
		r.table("explain analyze", meta.AnalyzePlan)
	}
	if meta.ExplainPlan != nil {
		r.table("explain", meta.ExplainPlan)
	}
	if meta.Table != nil && meta.Table.Kind == notebook.KindSelect {
		r.table(meta.Table.Name, meta.Table)
		r.enrichment(meta.Table)
	}
	for _, ex := range meta.HTTP {
		line := fmt.Sprintf("  %s %s → %d (%dms)", ex.Method, ex.URL, ex.Status, ex.ElapsedMS)
		if ex.Error != "" {
			line = fmt.Sprintf("  %s %s → %s", ex.Method, ex.URL, ex.Error)
		}
		fmt.Fprintln(r.w, styleDim.Sprint(line))
	}
	if meta.MessageID != "" {
		fmt.Fprintln(r.w, styleDim.Sprint("  message id "+meta.MessageID))
	}
}

func (r *renderer) table(title string, t *notebook.Table) {
	data := pterm.TableData{t.Columns}
	for i, row := range t.Rows {
		if r.maxRows > 0 && i >= r.maxRows {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatValue(v)
		}
		data = append(data, cells)
	}
	fmt.Fprintln(r.w, styleDim.Sprint("  "+title))
	out, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		fmt.Fprintln(r.w, styleErr.Sprint("  render table: "+err.Error()))
		return
	}
	fmt.Fprintln(r.w, out)
	if hidden := len(t.Rows) - r.maxRows; r.maxRows > 0 && hidden > 0 {
		fmt.Fprintln(r.w, styleDim.Sprintf("  … %d more row(s)", hidden))
	}
}

func (r *renderer) enrichment(t *notebook.Table) {
	if t.RuleFile != "" {
		if len(t.Violations) == 0 {
			fmt.Fprintln(r.w, styleOK.Sprintf("  rules %s: all rows pass", t.RuleFile))
		} else {
			fmt.Fprintln(r.w, styleErr.Sprintf("  rules %s: %d violation(s)", t.RuleFile, len(t.Violations)))
			items := make([]pterm.BulletListItem, 0, len(t.Violations))
			for _, v := range t.Violations {
				items = append(items, pterm.BulletListItem{Level: 1, Text: fmt.Sprintf("row %d: %s (%s)", v.Row+1, v.Title, v.Condition)})
			}
			if out, err := pterm.DefaultBulletList.WithItems(items).Srender(); err == nil {
				fmt.Fprint(r.w, out)
			}
		}
	}
	if t.ResolverFile != "" {
		fmt.Fprintln(r.w, styleDim.Sprintf("  codes %s: %d label(s) resolved", t.ResolverFile, len(t.CodeLabels)))
	}
}

func (r *renderer) summary(interrupted bool) {
	executed, failed, skipped := r.progress.Counts()
	elapsed := time.Since(r.started).Round(time.Millisecond)
	details := fmt.Sprintf("Duration: %s\nExecuted: %d\nFailed: %d\nSkipped: %d", elapsed, executed, failed, skipped)
	var title string
	switch {
	case interrupted:
		title = pterm.NewStyle(pterm.FgYellow, pterm.Bold).Sprint("Interrupted")
		if pending := len(r.progress.Pending()); pending > 0 {
			details += fmt.Sprintf("\nNot run: %d", pending)
		}
	case failed > 0:
		title = pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Finished with errors")
	default:
		title = pterm.NewStyle(pterm.FgGreen, pterm.Bold).Sprint("Finished")
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, pterm.DefaultBox.WithTitle(title).WithPadding(1).Sprint(details))
}

func formatValue(v any) string {
	v = notebook.SerializableValue(v)
	if v == nil {
		return "NULL"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
