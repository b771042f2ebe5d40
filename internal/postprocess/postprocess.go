// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package postprocess enriches SQL results after a cell ran: rule evaluation,
// code-label resolution and history capture. It also surfaces the JSON cell
// updates a script asked for so the session can apply them.
package postprocess

import (
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"cellrun/cli/internal/coderesolver"
	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/history"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/rules"
	"cellrun/cli/internal/variables"
)

// Pipeline runs post-processing for one session. A nil History disables
// history capture.
type Pipeline struct {
	History *history.Store
	Log     *zap.Logger
}

// New returns a pipeline recording into hist.
func New(hist *history.Store, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{History: hist, Log: log}
}

// Outcome is what post-processing hands back to the session.
type Outcome struct {
	// CellUpdates are JSON cell replacement requests found in the result.
	CellUpdates []notebook.CellUpdate
	// Recorded is the history entry written for this run, if any.
	Recorded *history.Entry
}

// Apply enriches res in place. dir is the document directory that relative
// rule and resolver paths are resolved against. The returned error is an
// enrichment error naming the offending file; the result is left as the kernel
// produced it apart from enrichment already attached.
func (p *Pipeline) Apply(dir string, cell *notebook.Cell, vars *variables.Store, res *notebook.RunResult) (Outcome, error) {
	var out Outcome
	if res.Metadata != nil {
		out.CellUpdates = res.Metadata.CellUpdates
	}

	sqlCfg, connection := querySettings(cell, res)
	if sqlCfg != nil && res.Metadata != nil && res.Metadata.Table != nil && res.Metadata.Table.Kind == notebook.KindSelect {
		if err := enrich(dir, sqlCfg, res.Metadata.Table); err != nil {
			return out, err
		}
	}

	if connection == "" || res.Status != notebook.StatusExecuted || p.History == nil {
		return out, nil
	}
	entry := p.entry(cell, connection, sqlCfg, vars, res)
	recorded, err := p.History.Record(entry)
	if err != nil {
		p.Log.Warn("record history", zap.String("cell", cell.Label()), zap.Error(err))
		return out, nil
	}
	out.Recorded = &recorded
	return out, nil
}

// querySettings returns the SQL config and connection for cells whose results
// come from the SQL kernel.
func querySettings(cell *notebook.Cell, res *notebook.RunResult) (*notebook.SQLConfig, string) {
	switch cell.Type {
	case notebook.TypeSQL:
		cfg := cell.Metadata.SQL
		if cfg == nil {
			cfg = &notebook.SQLConfig{}
		}
		return cfg, connectionOf(cfg.Connection, res)
	case notebook.TypeBroker:
		if b := cell.Metadata.Broker; b != nil && b.Action == notebook.BrokerListen {
			return &notebook.SQLConfig{Connection: b.Connection}, connectionOf(b.Connection, res)
		}
	}
	return nil, ""
}

func connectionOf(configured string, res *notebook.RunResult) string {
	if c := strings.TrimSpace(configured); c != "" {
		return c
	}
	if res.Metadata != nil {
		return res.Metadata.Connection
	}
	return ""
}

func enrich(dir string, cfg *notebook.SQLConfig, t *notebook.Table) error {
	if cfg.RuleFile != "" {
		path := resolve(dir, cfg.RuleFile)
		set, err := rules.LoadFile(path)
		if err != nil {
			return errors.Wrap(errors.Enrichment, "rule file "+cfg.RuleFile, err)
		}
		t.RuleFile = cfg.RuleFile
		if t.Unnamed || set.Applies(t.Name) {
			violations, err := set.Evaluate(t)
			if err != nil {
				return errors.Wrap(errors.Enrichment, "rule file "+cfg.RuleFile, err)
			}
			t.Violations = violations
		}
	}
	if cfg.CodeResolverFile != "" {
		path := resolve(dir, cfg.CodeResolverFile)
		r, err := coderesolver.LoadFile(path)
		if err != nil {
			return errors.Wrap(errors.Enrichment, "code resolver file "+cfg.CodeResolverFile, err)
		}
		t.ResolverFile = cfg.CodeResolverFile
		t.CodeLabels = r.Resolve(t)
	}
	return nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

func (p *Pipeline) entry(cell *notebook.Cell, connection string, cfg *notebook.SQLConfig, vars *variables.Store, res *notebook.RunResult) history.Entry {
	e := history.Entry{
		SQL:        cell.Source,
		Connection: connection,
		Result: history.Result{
			Status:    string(res.Status),
			ElapsedMS: res.Duration.Milliseconds(),
		},
	}
	if vars != nil && vars.Len() > 0 {
		e.Variables = vars.Snapshot()
	}
	if cfg != nil {
		e.RuleFile = cfg.RuleFile
		e.CodeResolverFile = cfg.CodeResolverFile
	}
	if res.Metadata != nil && res.Metadata.Table != nil {
		t := res.Metadata.Table
		e.Result.Kind = string(t.Kind)
		e.Result.Table = t.Name
		e.Result.Columns = t.Columns
		e.Result.RowCount = len(t.Rows)
		e.Result.RowsAffected = t.RowsAffected
		e.Result.Violations = len(t.Violations)
		if e.Result.ElapsedMS == 0 {
			e.Result.ElapsedMS = t.Elapsed.Round(time.Millisecond).Milliseconds()
		}
	}
	return e
}
