// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package sqlkernel runs sql cells: it normalizes the cell against the Variable
// Store, optionally captures EXPLAIN and EXPLAIN ANALYZE plans, then runs the
// statement and returns its result table.
package sqlkernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellrun/cli/internal/driver"
	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/neterrors"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// Opener hands out fresh drivers by connection name.
type Opener interface {
	Open(name string) (driver.Driver, error)
}

// Step selects the sub-steps a run performs.
type Step struct {
	Explain       bool
	Analyze       bool
	SuppressQuery bool
}

// Kernel runs sql cells. A driver is bound only while a cell runs.
type Kernel struct {
	opener Opener
	log    *zap.Logger

	mu  sync.Mutex
	drv driver.Driver
}

// New returns a kernel that opens connections through opener.
func New(opener Opener, log *zap.Logger) *Kernel {
	return &Kernel{opener: opener, log: logging.OrNop(log)}
}

// Run executes a sql cell.
func (k *Kernel) Run(ctx context.Context, cell notebook.Cell, vars *variables.Store) notebook.RunResult {
	cfg := cell.Metadata.SQL
	if cfg == nil {
		cfg = &notebook.SQLConfig{}
	}
	return k.Query(ctx, cfg.Connection, cell, vars, Step{
		Explain:       cfg.Explain,
		Analyze:       cfg.Analyze,
		SuppressQuery: cfg.SuppressQuery,
	})
}

// Query runs the cell source against connection with the requested steps. It is
// shared by the broker kernel's listen action.
func (k *Kernel) Query(ctx context.Context, connection string, cell notebook.Cell, vars *variables.Store, step Step) notebook.RunResult {
	if vars == nil {
		vars = variables.New()
	}
	if vars.Truthy(variables.SkipSQL) {
		k.log.Debug("sql skipped", zap.Int("cell", cell.Index))
		return notebook.SkippedResult()
	}

	drv, err := k.opener.Open(connection)
	if err != nil {
		return notebook.Failed(err)
	}
	k.bind(drv)
	defer k.release(drv)

	if err := drv.Connect(ctx); err != nil {
		return notebook.Failed(errors.Wrap(errors.Execution, fmt.Sprintf("connect to %q", connection), err).
			WithSteps(neterrors.Steps(neterrors.Classify(err), connection)...))
	}

	req, err := driver.Normalize(cell.Source, vars, drv.IsPositionedParameterAvailable())
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Configuration, "bind variables", err))
	}

	res := notebook.RunResult{Status: notebook.StatusExecuted}
	meta := res.Meta()
	meta.Connection = connection

	if step.Analyze {
		plan, err := drv.ExplainAnalyzeSQL(ctx, req)
		if err != nil {
			res.AppendStderr(fmt.Sprintf("explain analyze failed: %v", logging.Mask(err.Error())))
		} else {
			meta.AnalyzePlan = plan
		}
	}
	if step.Explain {
		plan, err := drv.ExplainSQL(ctx, req)
		if err != nil {
			res.AppendStderr(fmt.Sprintf("explain failed: %v", logging.Mask(err.Error())))
		} else {
			meta.ExplainPlan = plan
		}
	}
	if !step.SuppressQuery {
		start := time.Now()
		tbl, err := drv.RequestSQL(ctx, req)
		if err != nil {
			res.AppendStderr(fmt.Sprintf("query failed: %v", logging.Mask(err.Error())))
		} else {
			if tbl.Name == "" {
				tbl.Name = fmt.Sprintf("cell%d", cell.Index+1)
				tbl.Unnamed = true
			}
			meta.Table = tbl
			res.Stdout = summary(tbl, time.Since(start))
		}
	}
	res.Normalize()
	return res
}

// Interrupt kills the bound driver, if any.
func (k *Kernel) Interrupt(ctx context.Context) error {
	k.mu.Lock()
	drv := k.drv
	k.mu.Unlock()
	if drv == nil {
		return nil
	}
	k.log.Info("interrupting sql request")
	return drv.Kill()
}

func (k *Kernel) bind(drv driver.Driver) {
	k.mu.Lock()
	k.drv = drv
	k.mu.Unlock()
}

func (k *Kernel) release(drv driver.Driver) {
	if err := drv.Disconnect(); err != nil {
		k.log.Debug("disconnect failed", zap.Error(err))
	}
	k.mu.Lock()
	k.drv = nil
	k.mu.Unlock()
}

func summary(tbl *notebook.Table, elapsed time.Duration) string {
	if tbl.Kind == notebook.KindExec {
		return fmt.Sprintf("%d row(s) affected in %s", tbl.RowsAffected, elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("%d row(s) from %s in %s", len(tbl.Rows), tbl.Name, elapsed.Round(time.Millisecond))
}
