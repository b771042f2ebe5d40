// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"strings"
)

// DetectDBType detects the database type from a DSN string or a driver name.
func DetectDBType(dsn string) DBType {
	lower := strings.ToLower(strings.TrimSpace(dsn))

	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DBTypePostgreSQL
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "sqlite:"),
		strings.HasPrefix(lower, "file:"), lower == ":memory:":
		return DBTypeSQLite
	case strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DBTypeSQLite
	}
	return DBTypeUnknown
}

func resolverFor(dsn string) (Resolver, error) {
	switch DetectDBType(dsn) {
	case DBTypePostgreSQL:
		return PostgreSQLResolver{}, nil
	case DBTypeSQLite:
		return SQLiteResolver{}, nil
	}
	return nil, NewParseError(dsn, "unknown database type", "use postgres://, postgresql:// or sqlite://")
}

// Parse parses a DSN string and returns the normalized connection string
// expected by the matching driver.
func Parse(dsn string) (string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", NewParseError(dsn, "empty DSN", "provide a valid database connection string")
	}
	resolver, err := resolverFor(dsn)
	if err != nil {
		return "", err
	}
	info, err := resolver.Parse(dsn)
	if err != nil {
		return "", err
	}
	return resolver.Normalize(info)
}

// ParseInfo parses a DSN string and returns detailed DSN info.
func ParseInfo(dsn string) (*Info, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, NewParseError(dsn, "empty DSN", "provide a valid database connection string")
	}
	resolver, err := resolverFor(dsn)
	if err != nil {
		return nil, err
	}
	return resolver.Parse(dsn)
}

// WithPassword returns dsn normalized with password substituted. It is used when
// the password lives in the OS keychain rather than in the config file.
func WithPassword(dsn, password string) (string, error) {
	info, err := ParseInfo(dsn)
	if err != nil {
		return "", err
	}
	if info.Type != DBTypePostgreSQL {
		return dsn, nil
	}
	info.Password = password
	return PostgreSQLResolver{}.Normalize(info)
}
