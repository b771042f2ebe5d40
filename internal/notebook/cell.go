// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package notebook defines the document model cellrun executes: documents made of
// typed cells, the per-content-type configuration each cell carries, and the
// RunResult every kernel returns.
package notebook

import (
	"fmt"
	"strings"
)

// ContentType selects the kernel that runs a cell.
type ContentType string

const (
	TypeSQL      ContentType = "sql"
	TypeScript   ContentType = "script"
	TypeJSON     ContentType = "json"
	TypeLogQuery ContentType = "log-query"
	TypeBroker   ContentType = "broker"
)

// Cell is one unit of a document's pipeline. Source is never modified in place;
// cross-cell JSON updates replace the whole cell in the document.
type Cell struct {
	// Index is the zero-based position in the document.
	Index    int         `yaml:"-" json:"index"`
	Name     string      `yaml:"name,omitempty" json:"name,omitempty"`
	Type     ContentType `yaml:"type" json:"type"`
	Source   string      `yaml:"source" json:"source"`
	Metadata Metadata    `yaml:",inline" json:"metadata"`
}

// Metadata holds the common per-cell flags plus exactly one typed config that
// must match the cell's content type.
type Metadata struct {
	Skip         bool `yaml:"skip,omitempty" json:"skip,omitempty"`
	PreExecution bool `yaml:"preExecution,omitempty" json:"preExecution,omitempty"`
	// SharedVariable exports the cell's RunResult into the Variable Store under this name.
	SharedVariable string         `yaml:"sharedVariable,omitempty" json:"sharedVariable,omitempty"`
	Chart          map[string]any `yaml:"chart,omitempty" json:"chart,omitempty"`

	SQL      *SQLConfig      `yaml:"sql,omitempty" json:"sql,omitempty"`
	Script   *ScriptConfig   `yaml:"script,omitempty" json:"script,omitempty"`
	LogQuery *LogQueryConfig `yaml:"logQuery,omitempty" json:"logQuery,omitempty"`
	Broker   *BrokerConfig   `yaml:"broker,omitempty" json:"broker,omitempty"`
}

// SQLConfig configures a sql cell.
type SQLConfig struct {
	Connection string `yaml:"connection" json:"connection"`
	Explain    bool   `yaml:"explain,omitempty" json:"explain,omitempty"`
	Analyze    bool   `yaml:"analyze,omitempty" json:"analyze,omitempty"`
	// SuppressQuery runs only the explain/analyze steps.
	SuppressQuery    bool   `yaml:"suppressQuery,omitempty" json:"suppressQuery,omitempty"`
	RuleFile         string `yaml:"ruleFile,omitempty" json:"ruleFile,omitempty"`
	CodeResolverFile string `yaml:"codeResolverFile,omitempty" json:"codeResolverFile,omitempty"`
}

// ScriptConfig configures a script cell.
type ScriptConfig struct {
	// TimeoutSeconds overrides the configured sandbox timeout; 0 keeps the default.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// LogQueryConfig configures a log-query cell.
type LogQueryConfig struct {
	LogGroup string `yaml:"logGroup" json:"logGroup"`
	// Window is a named offset such as "last 15 minutes" or a duration like "2h".
	Window string `yaml:"window" json:"window"`
	Limit  int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// BrokerAction selects what a broker cell does.
type BrokerAction string

const (
	BrokerPublish BrokerAction = "publish"
	BrokerListen  BrokerAction = "listen"
)

// BrokerConfig configures a broker cell.
type BrokerConfig struct {
	// Connection names the SQL connection exposing the broker's virtual tables (listen).
	Connection    string       `yaml:"connection,omitempty" json:"connection,omitempty"`
	Action        BrokerAction `yaml:"action" json:"action"`
	Topic         string       `yaml:"topic,omitempty" json:"topic,omitempty"`
	Key           string       `yaml:"key,omitempty" json:"key,omitempty"`
	IsJSONMessage bool         `yaml:"isJsonMessage,omitempty" json:"isJsonMessage,omitempty"`
}

// Label is a short human identifier used in logs and output headers.
func (c Cell) Label() string {
	if c.Name != "" {
		return fmt.Sprintf("#%d %s (%s)", c.Index+1, c.Name, c.Type)
	}
	return fmt.Sprintf("#%d (%s)", c.Index+1, c.Type)
}

// Validate checks the content type is known and that only the matching typed
// config is present. Missing configs are filled with zero values so kernels can
// rely on them being non-nil.
func (c *Cell) Validate() error {
	m := &c.Metadata
	present := map[ContentType]bool{
		TypeSQL:      m.SQL != nil,
		TypeScript:   m.Script != nil,
		TypeLogQuery: m.LogQuery != nil,
		TypeBroker:   m.Broker != nil,
	}
	switch c.Type {
	case TypeSQL, TypeScript, TypeJSON, TypeLogQuery, TypeBroker:
	case "":
		return fmt.Errorf("cell %d: content type is required", c.Index+1)
	default:
		return fmt.Errorf("cell %d: unknown content type %q", c.Index+1, c.Type)
	}
	for typ, ok := range present {
		if ok && typ != c.Type {
			return fmt.Errorf("cell %d: %s config is not valid on a %s cell", c.Index+1, typ, c.Type)
		}
	}
	if m.PreExecution && c.Type != TypeJSON {
		return fmt.Errorf("cell %d: only json cells can be pre-execution cells", c.Index+1)
	}

	switch c.Type {
	case TypeSQL:
		if m.SQL == nil {
			m.SQL = &SQLConfig{}
		}
	case TypeScript:
		if m.Script == nil {
			m.Script = &ScriptConfig{}
		}
		if m.Script.TimeoutSeconds < 0 {
			return fmt.Errorf("cell %d: script timeout must not be negative", c.Index+1)
		}
	case TypeLogQuery:
		if m.LogQuery == nil {
			m.LogQuery = &LogQueryConfig{}
		}
	case TypeBroker:
		if m.Broker == nil {
			m.Broker = &BrokerConfig{}
		}
		switch m.Broker.Action {
		case BrokerPublish, BrokerListen:
		case "":
			m.Broker.Action = BrokerPublish
		default:
			return fmt.Errorf("cell %d: unknown broker action %q", c.Index+1, m.Broker.Action)
		}
	}
	if strings.ContainsAny(m.SharedVariable, " \t\n") {
		return fmt.Errorf("cell %d: shared variable name %q must not contain whitespace", c.Index+1, m.SharedVariable)
	}
	return nil
}
