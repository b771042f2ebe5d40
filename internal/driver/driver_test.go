// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package driver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/keychain"
	"cellrun/cli/internal/notebook"
)

func newSQLiteDriver(t *testing.T) Driver {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	reg := NewRegistry([]config.Connection{{Name: "local", Driver: "sqlite", DSN: "sqlite://" + path}}, nil, nil)
	d, err := reg.Open("local")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Disconnect() })
	return d
}

func TestSQLiteRequestSQL(t *testing.T) {
	ctx := context.Background()
	d := newSQLiteDriver(t)

	tbl, err := d.RequestSQL(ctx, Request{SQL: "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tbl.Kind != notebook.KindExec {
		t.Errorf("create kind = %q, want exec", tbl.Kind)
	}

	tbl, err = d.RequestSQL(ctx, Request{SQL: "INSERT INTO users (name) VALUES (?), (?)", Binds: []any{"ada", "linus"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if tbl.RowsAffected != 2 {
		t.Errorf("RowsAffected = %d, want 2", tbl.RowsAffected)
	}

	tbl, err = d.RequestSQL(ctx, Request{SQL: "SELECT id, name FROM users WHERE name = ?", Binds: []any{"ada"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if tbl.Kind != notebook.KindSelect || tbl.Name != "users" {
		t.Errorf("select table = %q kind %q", tbl.Name, tbl.Kind)
	}
	if len(tbl.Rows) != 1 || tbl.Rows[0][1] != "ada" {
		t.Errorf("Rows = %v", tbl.Rows)
	}
	if d.IsPositionedParameterAvailable() {
		t.Error("sqlite should use ? placeholders")
	}
}

func TestSQLiteExplainAnalyzeRollsBack(t *testing.T) {
	ctx := context.Background()
	d := newSQLiteDriver(t)

	if _, err := d.RequestSQL(ctx, Request{SQL: "CREATE TABLE items (id INTEGER PRIMARY KEY)"}); err != nil {
		t.Fatal(err)
	}
	plan, err := d.ExplainAnalyzeSQL(ctx, Request{SQL: "INSERT INTO items (id) VALUES (1)"})
	if err != nil {
		t.Fatalf("ExplainAnalyzeSQL: %v", err)
	}
	last := plan.Rows[len(plan.Rows)-1]
	if s, _ := last[len(last)-1].(string); !strings.Contains(s, "execution time") {
		t.Errorf("analyze summary row = %v", last)
	}

	tbl, err := d.RequestSQL(ctx, Request{SQL: "SELECT count(*) FROM items"})
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Rows[0][0] != int64(0) {
		t.Errorf("analyze left rows behind: count = %v", tbl.Rows[0][0])
	}

	explain, err := d.ExplainSQL(ctx, Request{SQL: "SELECT * FROM items"})
	if err != nil {
		t.Fatalf("ExplainSQL: %v", err)
	}
	if explain.Name != "explain" || len(explain.Rows) == 0 {
		t.Errorf("explain table = %+v", explain)
	}
}

func TestSQLiteKill(t *testing.T) {
	d := newSQLiteDriver(t)
	if err := d.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := d.RequestSQL(context.Background(), Request{SQL: "SELECT 1"}); err == nil {
		t.Error("request after Kill should fail")
	}
	if s := d.(*SQLite); s.db != nil || s.kill != nil {
		t.Error("Kill left the closed database bound")
	}
	if err := d.Disconnect(); err != nil {
		t.Errorf("Disconnect after Kill: %v", err)
	}
	if err := d.Kill(); err != nil {
		t.Errorf("Kill when idle: %v", err)
	}
}

func TestRegistryOpenErrors(t *testing.T) {
	reg := NewRegistry([]config.Connection{{Name: "odd", Driver: "oracle", DSN: "x"}}, nil, nil)

	tests := []struct {
		name    string
		conn    string
		wantMsg string
	}{
		{"empty name", " ", "no connection selected"},
		{"unknown name", "prod", `connection "prod" is not configured`},
		{"unsupported driver", "odd", "unsupported driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Open(tt.conn)
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("Open(%q) error = %v, want %q", tt.conn, err, tt.wantMsg)
			}
			if !errors.Is(err, errors.Configuration) {
				t.Errorf("Open(%q) kind = %q, want configuration", tt.conn, errors.KindOf(err))
			}
		})
	}
}

type stubPasswords map[string]string

func (s stubPasswords) LoadConnectionPassword(name string) (string, error) {
	if pw, ok := s[name]; ok {
		return pw, nil
	}
	return "", keychain.ErrNotFound
}

func TestRegistryInjectsKeychainPassword(t *testing.T) {
	var gotDSN string
	reg := NewRegistry([]config.Connection{
		{Name: "pg", Driver: "postgres", DSN: "postgres://app@db.internal:5432/shop", Keychain: true},
	}, stubPasswords{"pg": "s3cret"}, nil)
	reg.Register("postgres", func(dsn string, _ *zap.Logger) Driver {
		gotDSN = dsn
		return NewSQLite(":memory:", nil)
	})

	if _, err := reg.Open("pg"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !strings.Contains(gotDSN, "app:s3cret@db.internal:5432") {
		t.Errorf("dsn = %q, want password injected", gotDSN)
	}
	if diff := reg.Names(); len(diff) != 1 || diff[0] != "pg" {
		t.Errorf("Names() = %v", diff)
	}
}
