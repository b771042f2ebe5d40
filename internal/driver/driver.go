// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package driver is the database capability SQL cells run against. A Driver is
// bound to one cell at a time: the kernel opens it through the Registry,
// connects, runs its sub-steps and disconnects, win or lose.
//
// Two implementations are provided:
//   - Postgres, over a small pgx connection pool
//   - SQLite, through database/sql with the pure-Go modernc.org/sqlite driver
//
// Kill may be called from another goroutine while a request is in flight; it
// cancels every running request and closes the connection.
package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/dsn"
	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/keychain"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
)

// Request is a normalized statement with its bound parameters.
type Request struct {
	SQL   string
	Binds []any
}

// Driver executes statements against one database connection.
type Driver interface {
	Connect(ctx context.Context) error
	RequestSQL(ctx context.Context, req Request) (*notebook.Table, error)
	ExplainSQL(ctx context.Context, req Request) (*notebook.Table, error)
	// ExplainAnalyzeSQL executes the statement inside a transaction that is
	// always rolled back and returns the analyzed plan.
	ExplainAnalyzeSQL(ctx context.Context, req Request) (*notebook.Table, error)
	Kill() error
	Disconnect() error
	// IsPositionedParameterAvailable reports whether the driver binds $1, $2, ...
	// rather than "?" placeholders.
	IsPositionedParameterAvailable() bool
}

// Factory builds an unconnected driver for a normalized DSN.
type Factory func(dsn string, log *zap.Logger) Driver

// PasswordSource supplies passwords for connections stored in the OS keychain.
type PasswordSource interface {
	LoadConnectionPassword(name string) (string, error)
}

// Registry resolves connection names to drivers. It replaces any process-wide
// connection map: the session manager owns one and hands it to kernels.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]config.Connection
	factories map[string]Factory
	passwords PasswordSource
	log       *zap.Logger
}

// NewRegistry returns a registry over conns with the postgres and sqlite
// factories installed.
func NewRegistry(conns []config.Connection, passwords PasswordSource, log *zap.Logger) *Registry {
	r := &Registry{
		conns:     make(map[string]config.Connection, len(conns)),
		factories: make(map[string]Factory),
		passwords: passwords,
		log:       logging.OrNop(log),
	}
	for _, c := range conns {
		r.conns[c.Name] = c
	}
	r.Register(string(dsn.DBTypePostgreSQL), NewPostgres)
	r.Register("postgresql", NewPostgres)
	r.Register(string(dsn.DBTypeSQLite), NewSQLite)
	return r
}

// Register installs or replaces the factory for a driver name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Add installs or replaces a named connection.
func (r *Registry) Add(c config.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.Name] = c
}

// Names lists the known connection names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for n := range r.conns {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Open returns a fresh, unconnected driver for the named connection.
func (r *Registry) Open(name string) (Driver, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New(errors.Configuration, "no connection selected for this cell").
			WithSteps("Set sql.connection in the cell to one of the configured connections")
	}
	r.mu.RLock()
	c, ok := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.Configuration, fmt.Sprintf("connection %q is not configured", name)).
			WithSteps("Run: cellrun connect " + name + " --driver <postgres|sqlite> --dsn <dsn>")
	}
	return r.open(c)
}

func (r *Registry) open(c config.Connection) (Driver, error) {
	driverName := strings.ToLower(c.Driver)
	if driverName == "" {
		driverName = string(dsn.DetectDBType(c.DSN))
	}
	r.mu.RLock()
	factory, ok := r.factories[driverName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.Configuration, fmt.Sprintf("connection %q uses unsupported driver %q", c.Name, c.Driver))
	}

	raw := c.DSN
	if c.Keychain && r.passwords != nil {
		pw, err := r.passwords.LoadConnectionPassword(c.Name)
		switch {
		case err == nil:
			raw, err = dsn.WithPassword(raw, pw)
			if err != nil {
				return nil, errors.Wrap(errors.Configuration, fmt.Sprintf("connection %q has an invalid DSN", c.Name), err)
			}
		case err == keychain.ErrNotFound:
			r.log.Warn("keychain password missing", zap.String("connection", c.Name))
		default:
			return nil, errors.Wrap(errors.Configuration, fmt.Sprintf("read keychain password for %q", c.Name), err)
		}
	}
	normalized, err := dsn.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(errors.Configuration, fmt.Sprintf("connection %q has an invalid DSN", c.Name), err)
	}
	return factory(normalized, r.log.With(zap.String("connection", c.Name))), nil
}
