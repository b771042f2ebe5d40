// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package session runs batches of notebook cells against one shared variable
// store.
//
// A Session belongs to a single document. ExecuteBatch runs the document's
// pre-execution cells followed by the requested cells, strictly one at a
// time, threading the variable store through every kernel. Post-processing
// enriches each result, applies JSON cell updates to the document and
// exports results under their shared variable name. Interrupt stops the
// cell in flight and prevents the rest of the batch from starting.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/history"
	"cellrun/cli/internal/kernel"
	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/postprocess"
	"cellrun/cli/internal/variables"
)

// Options configures sessions.
type Options struct {
	Deps     kernel.Deps
	History  *history.Store
	Observer Observer
	Log      *zap.Logger
}

// CellRun is the outcome of one cell in a batch.
type CellRun struct {
	Index  int                `json:"index"`
	Label  string             `json:"label"`
	Result notebook.RunResult `json:"result"`
}

// Batch is the outcome of ExecuteBatch.
type Batch struct {
	SessionID   string         `json:"sessionId"`
	Runs        []CellRun      `json:"runs"`
	Variables   map[string]any `json:"variables"`
	Interrupted bool           `json:"interrupted"`
	// Mutated lists document indexes rewritten by cell updates.
	Mutated []int `json:"mutated,omitempty"`
}

// Failed reports whether any cell ended in error.
func (b Batch) Failed() bool {
	for _, r := range b.Runs {
		if r.Result.Status == notebook.StatusError {
			return true
		}
	}
	return false
}

// Session executes batches for one document.
type Session struct {
	id       string
	doc      *notebook.Document
	opts     Options
	log      *zap.Logger
	pipeline *postprocess.Pipeline

	interrupted atomic.Bool
	current     atomic.Int64

	mu      sync.Mutex
	active  kernel.Kernel
	cancels map[uint64]context.CancelFunc
	nextID  uint64
}

// New returns a session for doc.
func New(doc *notebook.Document, opts Options) *Session {
	log := logging.OrNop(opts.Log)
	id := uuid.NewString()
	s := &Session{
		id:      id,
		doc:     doc,
		opts:    opts,
		log:     log.With(zap.String("session", id), zap.String("document", doc.Path())),
		cancels: make(map[uint64]context.CancelFunc),
	}
	s.pipeline = postprocess.New(opts.History, s.log)
	s.current.Store(-1)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Document returns the session's document.
func (s *Session) Document() *notebook.Document { return s.doc }

// Plan returns the execution order for requested: every pre-execution cell in
// document order, then the requested cells that are not pre-execution cells,
// deduplicated and in document order. Out of range indexes are dropped.
func (s *Session) Plan(requested []int) []int {
	var plan []int
	pre := make(map[int]bool)
	for _, c := range s.doc.PreExecutionCells() {
		plan = append(plan, c.Index)
		pre[c.Index] = true
	}
	var rest []int
	seen := make(map[int]bool)
	for _, i := range requested {
		if i < 0 || i >= s.doc.Len() || pre[i] || seen[i] {
			continue
		}
		seen[i] = true
		rest = append(rest, i)
	}
	slices.Sort(rest)
	return append(plan, rest...)
}

// ExecuteBatch runs the plan for requested against a fresh variable store.
// Errors in a cell stay in that cell's result; only Interrupt stops the batch
// early. The session's kernels are disposed before it returns.
func (s *Session) ExecuteBatch(ctx context.Context, requested []int) Batch {
	vars := variables.New()
	dispatcher := kernel.NewDispatcher(s.deps())
	defer func() {
		if err := dispatcher.Dispose(); err != nil {
			s.log.Warn("dispose kernels", zap.Error(err))
		}
	}()

	plan := s.Plan(requested)
	batch := Batch{SessionID: s.id}
	s.emit(Event{Type: EventBatchPlanned, Cell: -1, Plan: plan})
	s.log.Debug("batch planned", zap.Ints("plan", plan))

	order := 0
	for _, idx := range plan {
		if s.interrupted.Load() || ctx.Err() != nil {
			batch.Interrupted = true
			break
		}
		cell, ok := s.doc.Cell(idx)
		if !ok {
			continue
		}
		order++
		s.current.Store(int64(idx))
		s.emit(Event{Type: EventCellStarted, Cell: idx, Label: cell.Label()})

		var res notebook.RunResult
		start := time.Now()
		if cell.Metadata.Skip {
			res = notebook.SkippedResult()
		} else {
			res = s.runCell(ctx, dispatcher, cell, vars)
		}
		res.ExecutionOrder = order
		res.Duration = time.Since(start)

		if s.interrupted.Load() {
			res.Normalize()
			batch.Runs = append(batch.Runs, CellRun{Index: idx, Label: cell.Label(), Result: res})
			s.emit(Event{Type: EventCellFinished, Cell: idx, Label: cell.Label(), Result: &res})
			batch.Interrupted = true
			break
		}

		batch.Mutated = append(batch.Mutated, s.finish(&cell, vars, &res)...)
		res.Normalize()

		batch.Runs = append(batch.Runs, CellRun{Index: idx, Label: cell.Label(), Result: res})
		s.emit(Event{Type: EventCellFinished, Cell: idx, Label: cell.Label(), Result: &res})
		s.emit(Event{Type: EventVariables, Cell: idx, Variables: vars.Snapshot()})
	}
	s.current.Store(-1)

	batch.Variables = vars.Snapshot()
	s.emit(Event{Type: EventBatchDone, Cell: -1, Interrupted: batch.Interrupted})
	s.log.Info("batch finished",
		zap.Int("cells", len(batch.Runs)),
		zap.Bool("interrupted", batch.Interrupted),
		zap.Bool("failed", batch.Failed()))
	return batch
}

// runCell dispatches one cell, recovering kernel panics into the result.
func (s *Session) runCell(ctx context.Context, d *kernel.Dispatcher, cell notebook.Cell, vars *variables.Store) (res notebook.RunResult) {
	k, err := d.Kernel(&cell)
	if err != nil {
		return notebook.RunResult{Stderr: logging.PresentError("", err), Status: notebook.StatusError}
	}

	runCtx, cancel := context.WithCancel(ctx)
	untrack := s.track(cancel)
	defer untrack()

	s.setActive(k)
	defer s.setActive(nil)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("kernel panic", zap.String("cell", cell.Label()), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res = notebook.Failed(errors.New(errors.Execution, fmt.Sprintf("kernel panic: %v", r)))
		}
	}()
	return k.Run(runCtx, cell, vars)
}

// finish post-processes res, consumes one-shot variables, applies cell
// updates and exports the result. Skipped results are only consumed and
// exported. It returns the indexes of rewritten cells.
func (s *Session) finish(cell *notebook.Cell, vars *variables.Store, res *notebook.RunResult) []int {
	if consumesSkip(cell) && !cell.Metadata.Skip {
		vars.Delete(variables.SkipSQL)
	}

	var out postprocess.Outcome
	if !res.Skipped {
		var err error
		out, err = s.pipeline.Apply(s.doc.Dir(), cell, vars, res)
		if err != nil {
			res.AppendStderr(logging.Mask(err.Error()))
		}
	}

	var mutated []int
	for _, u := range out.CellUpdates {
		src := formatJSON(u.Value)
		idx, err := s.doc.ReplaceJSONCell(u.Target, src)
		if err != nil {
			res.AppendStderr(fmt.Sprintf("update cell %q: %v", u.Target, err))
			continue
		}
		mutated = append(mutated, idx)
		s.emit(Event{Type: EventCellMutated, Cell: cell.Index, Target: idx, Source: src})
	}

	if name := strings.TrimSpace(cell.Metadata.SharedVariable); name != "" {
		res.Normalize()
		exported, err := res.Export()
		if err != nil {
			res.AppendStderr(fmt.Sprintf("export %q: %v", name, err))
		} else {
			vars.Set(name, exported)
		}
	}
	return mutated
}

func consumesSkip(cell *notebook.Cell) bool {
	switch cell.Type {
	case notebook.TypeSQL:
		return true
	case notebook.TypeBroker:
		return cell.Metadata.Broker != nil && cell.Metadata.Broker.Action == notebook.BrokerListen
	}
	return false
}

// formatJSON indents v for storage in a cell, keeping it verbatim when it
// cannot be decoded.
func formatJSON(v json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, v, "", "  "); err != nil {
		return string(v)
	}
	return out.String()
}

// Interrupt stops the batch: no further cell starts, the active kernel is
// interrupted and every tracked context is cancelled. It is idempotent and
// safe when nothing is running.
func (s *Session) Interrupt(ctx context.Context) error {
	first := !s.interrupted.Swap(true)

	s.mu.Lock()
	k := s.active
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	if first {
		s.log.Info("interrupt requested", zap.Int64("cell", s.current.Load()))
	}
	var err error
	if k != nil {
		err = k.Interrupt(ctx)
		if err != nil {
			s.log.Warn("kernel interrupt failed", zap.Error(err))
		}
	}
	for _, c := range cancels {
		c()
	}
	return err
}

// Interrupted reports whether Interrupt was called.
func (s *Session) Interrupted() bool { return s.interrupted.Load() }

func (s *Session) track(cancel context.CancelFunc) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Session) setActive(k kernel.Kernel) {
	s.mu.Lock()
	s.active = k
	s.mu.Unlock()
}

func (s *Session) deps() kernel.Deps {
	deps := s.opts.Deps
	if deps.Log == nil {
		deps.Log = s.log
	}
	user := deps.Script.Output
	deps.Script.Output = func(stream scriptkernel.Stream, line string) {
		if user != nil {
			user(stream, line)
		}
		s.emit(Event{Type: EventCellOutput, Cell: int(s.current.Load()), Stream: stream, Line: line})
	}
	return deps
}

func (s *Session) emit(ev Event) {
	if s.opts.Observer != nil {
		s.opts.Observer(ev)
	}
}
