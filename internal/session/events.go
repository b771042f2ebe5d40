package session

import (
	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/notebook"
)

// EventType enumerates the events a session emits while running a batch.
type EventType string

const (
	// EventBatchPlanned lists the cells that will run, in order.
	EventBatchPlanned EventType = "batch_planned"
	// EventCellStarted fires before a cell is dispatched.
	EventCellStarted EventType = "cell_started"
	// EventCellOutput carries one line streamed by a running script.
	EventCellOutput EventType = "cell_output"
	// EventCellFinished carries the final result of a cell.
	EventCellFinished EventType = "cell_finished"
	// EventVariables carries the variable store after a cell.
	EventVariables EventType = "variables"
	// EventCellMutated reports a JSON cell rewritten by another cell.
	EventCellMutated EventType = "cell_mutated"
	// EventBatchDone fires once the batch ends, interrupted or not.
	EventBatchDone EventType = "batch_done"
)

// Event is a generic container for session events.
// Only a subset of fields is set depending on Type.
type Event struct {
	Type EventType `json:"type"`

	// Cell is the document index of the cell the event is about.
	Cell  int    `json:"cell"`
	Label string `json:"label,omitempty"`

	// Batch plan
	Plan []int `json:"plan,omitempty"`

	// Streamed output
	Stream scriptkernel.Stream `json:"stream,omitempty"`
	Line   string              `json:"line,omitempty"`

	Result    *notebook.RunResult `json:"result,omitempty"`
	Variables map[string]any      `json:"variables,omitempty"`

	// Mutation
	Target int    `json:"target,omitempty"`
	Source string `json:"source,omitempty"`

	Interrupted bool `json:"interrupted,omitempty"`
}

// Observer receives events synchronously on the batch goroutine, except for
// EventCellOutput which arrives from the script output pumps.
type Observer func(Event)
