// Package coderesolver maps coded column values to human-readable labels.
package coderesolver

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cellrun/cli/internal/notebook"
)

// Item lists the labels for one column.
type Item struct {
	Column string            `json:"column"`
	Codes  map[string]string `json:"codes"`
}

// Resolver is a parsed code resolver file.
type Resolver struct {
	Items []Item `json:"items"`
}

// LoadFile reads a resolver file.
func LoadFile(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes resolver file content.
func Parse(data []byte) (*Resolver, error) {
	var r Resolver
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode code resolver file: %w", err)
	}
	for i, it := range r.Items {
		if strings.TrimSpace(it.Column) == "" {
			return nil, fmt.Errorf("item %d has no column", i+1)
		}
	}
	return &r, nil
}

// Resolve returns a label for every cell whose value has a known code.
// Columns missing from the table are ignored.
func (r *Resolver) Resolve(t *notebook.Table) []notebook.CodeLabel {
	if t == nil {
		return nil
	}
	var out []notebook.CodeLabel
	for rowIdx := range t.Rows {
		for _, it := range r.Items {
			v, ok := t.Value(rowIdx, it.Column)
			if !ok || v == nil {
				continue
			}
			code := codeString(v)
			if label, ok := it.Codes[code]; ok {
				out = append(out, notebook.CodeLabel{Row: rowIdx, Column: it.Column, Code: code, Label: label})
			}
		}
	}
	return out
}

func codeString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return fmt.Sprint(notebook.SerializableValue(v))
}
