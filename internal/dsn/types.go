// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dsn parses and normalizes connection strings for the drivers cellrun
// supports. Passwords with unencoded special characters are common in hand-written
// DSNs, so parsing falls back to a manual split when net/url rejects the input.
package dsn

import "fmt"

// DBType represents the type of database
type DBType string

const (
	DBTypePostgreSQL DBType = "postgres"
	DBTypeSQLite     DBType = "sqlite"
	DBTypeUnknown    DBType = "unknown"
)

// Info contains parsed information from a DSN string.
type Info struct {
	Type     DBType
	Host     string
	Port     string
	User     string
	Password string
	Database string // database name, or file path for SQLite
	Params   map[string]string
	Original string
}

// Resolver is implemented per database type.
type Resolver interface {
	Parse(dsn string) (*Info, error)
	Normalize(info *Info) (string, error)
}

// ParseError represents an error that occurred during DSN parsing
type ParseError struct {
	DSN    string
	Reason string
	Hint   string
}

func (e *ParseError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("invalid DSN format: %s\nHint: %s", e.Reason, e.Hint)
	}
	return fmt.Sprintf("invalid DSN format: %s", e.Reason)
}

// NewParseError creates a new ParseError
func NewParseError(dsn, reason, hint string) *ParseError {
	return &ParseError{DSN: dsn, Reason: reason, Hint: hint}
}
