package session

import (
	"sync"

	"cellrun/cli/internal/notebook"
)

// Progress tracks a batch from its events so a renderer can show which
// cells are pending, running and done.
type Progress struct {
	mu sync.Mutex
	// Plan preserves the order cells will run in.
	Plan []int
	// Running is the cell in flight, or -1.
	Running int
	// Status maps finished cells to their final status.
	Status map[int]notebook.Status
	// Mutated lists cells rewritten by other cells.
	Mutated []int
	// Interrupted is set once the batch ended early.
	Interrupted bool
	Done        bool
}

// NewProgress returns an empty tracker.
func NewProgress() *Progress {
	return &Progress{Running: -1, Status: make(map[int]notebook.Status)}
}

// Observe updates the tracker from ev.
func (p *Progress) Observe(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case EventBatchPlanned:
		p.Plan = append([]int(nil), ev.Plan...)
		p.Running = -1
		p.Status = make(map[int]notebook.Status)
		p.Mutated = nil
		p.Done = false
		p.Interrupted = false
	case EventCellStarted:
		p.Running = ev.Cell
	case EventCellFinished:
		if ev.Result != nil {
			p.Status[ev.Cell] = ev.Result.Status
		}
		if p.Running == ev.Cell {
			p.Running = -1
		}
	case EventCellMutated:
		p.Mutated = append(p.Mutated, ev.Target)
	case EventBatchDone:
		p.Running = -1
		p.Done = true
		p.Interrupted = ev.Interrupted
	}
}

// Counts returns how many planned cells finished in each status.
func (p *Progress) Counts() (executed, failed, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.Status {
		switch st {
		case notebook.StatusExecuted:
			executed++
		case notebook.StatusError:
			failed++
		case notebook.StatusSkipped:
			skipped++
		}
	}
	return executed, failed, skipped
}

// Pending returns the planned cells that have not finished, in plan order.
func (p *Progress) Pending() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, i := range p.Plan {
		if _, ok := p.Status[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// HasFailures reports whether any cell ended in error.
func (p *Progress) HasFailures() bool {
	_, failed, _ := p.Counts()
	return failed > 0
}
