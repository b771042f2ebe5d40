package driver

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
)

var reFromTable = regexp.MustCompile(`(?is)^\s*select\b.*?\bfrom\s+["\x60\[]?([A-Za-z_][\w.]*)`)

// SQLite runs statements against a database file through database/sql.
type SQLite struct {
	dsn string
	log *zap.Logger

	mu      sync.Mutex
	db      *sql.DB
	killCtx context.Context
	kill    context.CancelFunc
}

// NewSQLite returns an unconnected SQLite driver.
func NewSQLite(dsn string, log *zap.Logger) Driver {
	return &SQLite{dsn: dsn, log: logging.OrNop(log)}
}

// Connect opens the database and pings it.
func (s *SQLite) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("open sqlite: %w", err)
	}
	killCtx, kill := context.WithCancel(context.Background())
	s.mu.Lock()
	s.db, s.killCtx, s.kill = db, killCtx, kill
	s.mu.Unlock()
	return nil
}

// IsPositionedParameterAvailable is false: statements use "?" placeholders.
func (s *SQLite) IsPositionedParameterAvailable() bool { return false }

func (s *SQLite) acquire(ctx context.Context) (*sql.DB, context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	db, killCtx := s.db, s.killCtx
	s.mu.Unlock()
	if db == nil {
		return nil, nil, nil, fmt.Errorf("not connected")
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(killCtx, cancel)
	return db, opCtx, func() { stop(); cancel() }, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RequestSQL runs the statement. Row-returning statements produce a select
// table; anything else reports rows affected.
func (s *SQLite) RequestSQL(ctx context.Context, req Request) (*notebook.Table, error) {
	db, opCtx, done, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	tbl, err := run(opCtx, db, req)
	if err != nil {
		return nil, err
	}
	tbl.Elapsed = time.Since(start)
	if tbl.Kind == notebook.KindSelect {
		if m := reFromTable.FindStringSubmatch(req.SQL); m != nil {
			tbl.Name = m[1]
		}
	}
	return tbl, nil
}

// ExplainSQL returns EXPLAIN QUERY PLAN output.
func (s *SQLite) ExplainSQL(ctx context.Context, req Request) (*notebook.Table, error) {
	db, opCtx, done, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tbl, err := queryTable(opCtx, db, "EXPLAIN QUERY PLAN "+req.SQL, req.Binds)
	if err != nil {
		return nil, err
	}
	tbl.Name = "explain"
	return tbl, nil
}

// ExplainAnalyzeSQL executes the statement inside a transaction that is always
// rolled back, then appends its timing to the query plan.
func (s *SQLite) ExplainAnalyzeSQL(ctx context.Context, req Request) (*notebook.Table, error) {
	db, opCtx, done, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tx, err := db.BeginTx(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.log.Debug("analyze rollback failed", zap.Error(err))
		}
	}()

	start := time.Now()
	res, err := run(opCtx, tx, req)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	plan, err := queryTable(opCtx, tx, "EXPLAIN QUERY PLAN "+req.SQL, req.Binds)
	if err != nil {
		return nil, err
	}
	count := res.RowsAffected
	if res.Kind == notebook.KindSelect {
		count = int64(len(res.Rows))
	}
	summary := make([]any, len(plan.Columns))
	if len(summary) > 0 {
		summary[len(summary)-1] = fmt.Sprintf("execution time: %.3f ms, rows: %d", float64(elapsed.Microseconds())/1000, count)
	}
	plan.Rows = append(plan.Rows, summary)
	plan.Name = "analyze"
	plan.Elapsed = elapsed
	return plan, nil
}

// Kill cancels in-flight requests and closes the database.
func (s *SQLite) Kill() error {
	s.mu.Lock()
	kill, db := s.kill, s.db
	s.db, s.kill = nil, nil
	s.mu.Unlock()
	if kill == nil {
		return nil
	}
	kill()
	s.log.Info("sqlite request killed")
	if db == nil {
		return nil
	}
	return db.Close()
}

// Disconnect closes the database. It is safe to call more than once.
func (s *SQLite) Disconnect() error {
	s.mu.Lock()
	db, kill := s.db, s.kill
	s.db, s.kill = nil, nil
	s.mu.Unlock()
	if kill != nil {
		kill()
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

func run(ctx context.Context, q queryer, req Request) (*notebook.Table, error) {
	if returnsRows(req.SQL) {
		return queryTable(ctx, q, req.SQL, req.Binds)
	}
	res, err := q.ExecContext(ctx, req.SQL, req.Binds...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &notebook.Table{Kind: notebook.KindExec, RowsAffected: n}, nil
}

func queryTable(ctx context.Context, q queryer, query string, binds []any) (*notebook.Table, error) {
	rows, err := q.QueryContext(ctx, query, binds...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	tbl := &notebook.Table{Kind: notebook.KindSelect, Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		tbl.Rows = append(tbl.Rows, vals)
	}
	return tbl, rows.Err()
}

func returnsRows(query string) bool {
	first := strings.ToLower(firstKeyword(query))
	switch first {
	case "select", "with", "pragma", "explain", "values":
		return true
	}
	return strings.Contains(strings.ToLower(query), " returning ")
}

func firstKeyword(query string) string {
	q := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(q, "--"):
			if i := strings.IndexByte(q, '\n'); i >= 0 {
				q = strings.TrimSpace(q[i+1:])
				continue
			}
			return ""
		case strings.HasPrefix(q, "/*"):
			if i := strings.Index(q, "*/"); i >= 0 {
				q = strings.TrimSpace(q[i+2:])
				continue
			}
			return ""
		case strings.HasPrefix(q, "("):
			q = strings.TrimSpace(q[1:])
			continue
		}
		break
	}
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	})
	if end < 0 {
		return q
	}
	return q[:end]
}
