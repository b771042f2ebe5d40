// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package kernel defines the contract every cell kernel implements and the
// Dispatcher that picks one by content type.
//
// Each session owns one Dispatcher. Kernels are built lazily on first use and
// kept for the rest of the batch so that the script kernel's temporary
// directory survives between cells; Dispose releases it.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/kernel/brokerkernel"
	"cellrun/cli/internal/kernel/jsonkernel"
	"cellrun/cli/internal/kernel/logkernel"
	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/kernel/sqlkernel"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// Kernel runs cells of one content type.
type Kernel interface {
	Run(ctx context.Context, cell notebook.Cell, vars *variables.Store) notebook.RunResult
	// Interrupt stops the cell in flight. It is safe to call when idle.
	Interrupt(ctx context.Context) error
}

// Disposer is implemented by kernels that hold resources across cells.
type Disposer interface {
	Dispose() error
}

// Deps are the collaborators kernels are built from.
type Deps struct {
	Connections sqlkernel.Opener
	Script      scriptkernel.Options
	Publisher   brokerkernel.Publisher
	Searcher    logkernel.Searcher
	Log         *zap.Logger
}

// Dispatcher chooses and caches kernels by content type.
type Dispatcher struct {
	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	kernels map[notebook.ContentType]Kernel
}

// NewDispatcher returns a dispatcher with no kernels built yet.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps, log: logging.OrNop(deps.Log), kernels: make(map[notebook.ContentType]Kernel)}
}

// Kernel validates cell's typed configuration and returns the kernel for its
// content type.
func (d *Dispatcher) Kernel(cell *notebook.Cell) (Kernel, error) {
	if err := cell.Validate(); err != nil {
		return nil, errors.Wrap(errors.Configuration, "invalid cell", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if k, ok := d.kernels[cell.Type]; ok {
		return k, nil
	}
	k, err := d.build(cell.Type)
	if err != nil {
		return nil, err
	}
	d.kernels[cell.Type] = k
	return k, nil
}

func (d *Dispatcher) build(t notebook.ContentType) (Kernel, error) {
	log := d.log.With(zap.String("kernel", string(t)))
	switch t {
	case notebook.TypeSQL:
		return d.sqlLocked(), nil
	case notebook.TypeScript:
		opts := d.deps.Script
		if opts.Log == nil {
			opts.Log = log
		}
		return scriptkernel.New(opts), nil
	case notebook.TypeJSON:
		return jsonkernel.New(), nil
	case notebook.TypeLogQuery:
		return logkernel.New(d.deps.Searcher, log), nil
	case notebook.TypeBroker:
		// Listen runs through a dedicated SQL kernel.
		var listener brokerkernel.Listener
		if d.deps.Connections != nil {
			listener = sqlkernel.New(d.deps.Connections, log)
		}
		return brokerkernel.New(d.deps.Publisher, listener, log), nil
	}
	return nil, errors.New(errors.Configuration, fmt.Sprintf("no kernel for content type %q", t))
}

func (d *Dispatcher) sqlLocked() Kernel {
	if d.deps.Connections == nil {
		return unavailable{reason: "no database connections are configured"}
	}
	return sqlkernel.New(d.deps.Connections, d.log.With(zap.String("kernel", string(notebook.TypeSQL))))
}

// Dispose releases every kernel that holds resources and forgets all kernels.
func (d *Dispatcher) Dispose() error {
	d.mu.Lock()
	kernels := d.kernels
	d.kernels = make(map[notebook.ContentType]Kernel)
	d.mu.Unlock()

	var first error
	for t, k := range kernels {
		disp, ok := k.(Disposer)
		if !ok {
			continue
		}
		if err := disp.Dispose(); err != nil {
			d.log.Warn("kernel dispose failed", zap.String("kernel", string(t)), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// unavailable fails every run with a configuration error.
type unavailable struct{ reason string }

func (u unavailable) Run(context.Context, notebook.Cell, *variables.Store) notebook.RunResult {
	return notebook.Failed(errors.New(errors.Configuration, u.reason).
		WithSteps("Add a connection with: cellrun connect <name> --driver <postgres|sqlite> --dsn <dsn>"))
}

func (u unavailable) Interrupt(context.Context) error { return nil }
