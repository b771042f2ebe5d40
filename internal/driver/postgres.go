// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
)

// Postgres runs statements over a small pgx pool. Result table names are
// resolved from the first column's table OID through a cached catalog lookup.
type Postgres struct {
	dsn string
	log *zap.Logger

	mu      sync.Mutex
	pool    *pgxpool.Pool
	killCtx context.Context
	kill    context.CancelFunc
	catalog *Catalog
}

// NewPostgres returns an unconnected PostgreSQL driver.
func NewPostgres(dsn string, log *zap.Logger) Driver {
	return &Postgres{dsn: dsn, log: logging.OrNop(log)}
}

// Connect opens the pool and verifies the server is reachable.
func (p *Postgres) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	// One connection for the cell, one for catalog lookups.
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("connect: %w", err)
	}
	killCtx, kill := context.WithCancel(context.Background())
	p.mu.Lock()
	p.pool, p.killCtx, p.kill = pool, killCtx, kill
	p.catalog = NewCatalog(pool)
	p.mu.Unlock()
	p.log.Debug("postgres connected")
	return nil
}

// IsPositionedParameterAvailable is true: pgx binds $1, $2, ...
func (p *Postgres) IsPositionedParameterAvailable() bool { return true }

func (p *Postgres) acquire(ctx context.Context) (*pgxpool.Pool, context.Context, context.CancelFunc, error) {
	p.mu.Lock()
	pool, killCtx := p.pool, p.killCtx
	p.mu.Unlock()
	if pool == nil {
		return nil, nil, nil, fmt.Errorf("not connected")
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(killCtx, cancel)
	return pool, opCtx, func() { stop(); cancel() }, nil
}

// RequestSQL runs the statement and returns its rows, or the command tag for
// statements that return none.
func (p *Postgres) RequestSQL(ctx context.Context, req Request) (*notebook.Table, error) {
	pool, opCtx, done, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	rows, err := pool.Query(opCtx, req.SQL, req.Binds...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tbl, err := collect(rows)
	if err != nil {
		return nil, err
	}
	tbl.Elapsed = time.Since(start)
	if tbl.Kind == notebook.KindSelect {
		tbl.Name = p.tableName(opCtx, rows.FieldDescriptions())
	}
	return tbl, nil
}

// ExplainSQL runs EXPLAIN without executing the statement.
func (p *Postgres) ExplainSQL(ctx context.Context, req Request) (*notebook.Table, error) {
	pool, opCtx, done, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	rows, err := pool.Query(opCtx, "EXPLAIN "+req.SQL, req.Binds...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tbl, err := collect(rows)
	if err != nil {
		return nil, err
	}
	tbl.Name = "explain"
	return tbl, nil
}

// ExplainAnalyzeSQL runs EXPLAIN ANALYZE in a transaction that is always rolled back.
func (p *Postgres) ExplainAnalyzeSQL(ctx context.Context, req Request) (*notebook.Table, error) {
	pool, opCtx, done, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tx, err := pool.Begin(opCtx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		// Rollback uses a fresh context so a killed request still releases its transaction.
		rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tx.Rollback(rbCtx); err != nil && err != pgx.ErrTxClosed {
			p.log.Debug("analyze rollback failed", zap.Error(err))
		}
	}()

	rows, err := tx.Query(opCtx, "EXPLAIN ANALYZE "+req.SQL, req.Binds...)
	if err != nil {
		return nil, err
	}
	tbl, err := collect(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	tbl.Name = "analyze"
	return tbl, nil
}

// Kill cancels every in-flight request and closes the pool.
func (p *Postgres) Kill() error {
	p.mu.Lock()
	kill, pool := p.kill, p.pool
	p.mu.Unlock()
	if kill == nil {
		return nil
	}
	kill()
	go pool.Close()
	p.log.Info("postgres request killed")
	return nil
}

// Disconnect closes the pool. It is safe to call more than once.
func (p *Postgres) Disconnect() error {
	p.mu.Lock()
	pool, kill := p.pool, p.kill
	p.pool, p.kill, p.catalog = nil, nil, nil
	p.mu.Unlock()
	if kill != nil {
		kill()
	}
	if pool != nil {
		pool.Close()
	}
	return nil
}

func (p *Postgres) tableName(ctx context.Context, fds []pgconn.FieldDescription) string {
	p.mu.Lock()
	cat := p.catalog
	p.mu.Unlock()
	if cat == nil || len(fds) == 0 || fds[0].TableOID == 0 {
		return ""
	}
	name, err := cat.TableName(ctx, fds[0].TableOID)
	if err != nil {
		p.log.Debug("table name lookup failed", zap.Uint32("oid", fds[0].TableOID), zap.Error(err))
		return ""
	}
	return name
}

func collect(rows pgx.Rows) (*notebook.Table, error) {
	fds := rows.FieldDescriptions()
	tbl := &notebook.Table{Kind: notebook.KindSelect, Columns: make([]string, len(fds)), Rows: [][]any{}}
	for i, fd := range fds {
		tbl.Columns[i] = fd.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		tbl.Rows = append(tbl.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fds) == 0 {
		tbl.Kind = notebook.KindExec
		tbl.Rows = nil
		tbl.RowsAffected = rows.CommandTag().RowsAffected()
	}
	return tbl, nil
}

// Catalog caches table OID -> qualified name lookups.
type Catalog struct {
	pool  *pgxpool.Pool
	mu    sync.RWMutex
	cache map[uint32]string
}

// NewCatalog creates a catalog reading from pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool, cache: make(map[uint32]string)}
}

// TableName returns "table" for tables in public and "schema.table" otherwise.
func (c *Catalog) TableName(ctx context.Context, oid uint32) (string, error) {
	c.mu.RLock()
	if name, ok := c.cache[oid]; ok {
		c.mu.RUnlock()
		return name, nil
	}
	c.mu.RUnlock()

	var schema, table string
	err := c.pool.QueryRow(ctx, `
		SELECT n.nspname, c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE c.oid = $1`, oid).Scan(&schema, &table)
	if err != nil {
		return "", err
	}
	name := qualify(schema, table)

	c.mu.Lock()
	c.cache[oid] = name
	c.mu.Unlock()
	return name, nil
}

func qualify(schema, table string) string {
	if schema == "" || strings.EqualFold(schema, "public") {
		return table
	}
	return schema + "." + table
}
