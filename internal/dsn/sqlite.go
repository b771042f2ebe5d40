// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import "strings"

// SQLiteResolver handles sqlite:// URLs, file: URIs and bare database paths.
type SQLiteResolver struct{}

// Parse extracts the database path.
func (r SQLiteResolver) Parse(dsn string) (*Info, error) {
	trimmed := strings.TrimSpace(dsn)
	path := trimmed
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		path = trimmed[len("sqlite://"):]
	case strings.HasPrefix(lower, "sqlite:"):
		path = trimmed[len("sqlite:"):]
	}
	if path == "" {
		return nil, NewParseError(dsn, "missing database path", "use sqlite:///path/to/file.db or sqlite://:memory:")
	}
	return &Info{Type: DBTypeSQLite, Database: path, Params: map[string]string{}, Original: dsn}, nil
}

// Normalize returns the data source name understood by modernc.org/sqlite.
func (r SQLiteResolver) Normalize(info *Info) (string, error) {
	if info == nil {
		return "", NewParseError("", "nil DSN info", "")
	}
	return info.Database, nil
}
