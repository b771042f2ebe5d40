// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logkernel runs log-query cells against a log search capability.
package logkernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// DefaultLimit caps events when a cell sets none.
const DefaultLimit = 1000

// Query is one log search request.
type Query struct {
	LogGroup string
	Filter   string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Event is one matching log event.
type Event struct {
	Timestamp time.Time
	Stream    string
	Message   string
}

// Searcher runs log searches.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Event, error)
}

// Kernel runs log-query cells.
type Kernel struct {
	searcher Searcher
	now      func() time.Time
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns a kernel over searcher, which may be nil when no gateway is configured.
func New(searcher Searcher, log *zap.Logger) *Kernel {
	return &Kernel{searcher: searcher, now: time.Now, log: logging.OrNop(log)}
}

// Run resolves the window at call time and searches.
func (k *Kernel) Run(ctx context.Context, cell notebook.Cell, _ *variables.Store) notebook.RunResult {
	cfg := cell.Metadata.LogQuery
	if cfg == nil || strings.TrimSpace(cfg.LogGroup) == "" || strings.TrimSpace(cfg.Window) == "" {
		return notebook.Failed(errors.New(errors.Configuration, "log query needs both a log group and a time window").
			WithSteps("Set logQuery.logGroup and logQuery.window (for example \"last 15 minutes\") on the cell"))
	}
	start, end, err := ParseWindow(cfg.Window, k.now())
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Configuration, "log query window", err))
	}
	if k.searcher == nil {
		return notebook.Failed(errors.New(errors.Configuration, "no log search gateway configured").
			WithSteps("Set gateway.addr in the cellrun config"))
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.cancel = nil
		k.mu.Unlock()
		cancel()
	}()

	q := Query{LogGroup: cfg.LogGroup, Filter: strings.TrimSpace(cell.Source), Start: start, End: end, Limit: limit}
	k.log.Debug("log search", zap.String("group", q.LogGroup), zap.Time("start", start), zap.Time("end", end))
	events, err := k.searcher.Search(runCtx, q)
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Execution, "log search", err))
	}

	tbl := &notebook.Table{
		Name:    cfg.LogGroup,
		Kind:    notebook.KindSelect,
		Columns: []string{"timestamp", "stream", "message"},
		Rows:    make([][]any, 0, len(events)),
	}
	for _, ev := range events {
		tbl.Rows = append(tbl.Rows, []any{ev.Timestamp, ev.Stream, ev.Message})
	}
	res := notebook.Executed(fmt.Sprintf("%d event(s) in %s between %s and %s",
		len(events), cfg.LogGroup, start.Format(time.RFC3339), end.Format(time.RFC3339)))
	res.Meta().Table = tbl
	return res
}

// Interrupt cancels an in-flight search.
func (k *Kernel) Interrupt(context.Context) error {
	k.mu.Lock()
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
