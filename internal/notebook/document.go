// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package notebook

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Document is an ordered list of cells loaded from a YAML file.
// All methods are safe for concurrent use.
type Document struct {
	mu    sync.RWMutex
	path  string
	cells []Cell
}

type documentFile struct {
	Cells []Cell `yaml:"cells"`
}

// Load reads and validates the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(data, abs)
}

// Parse decodes a YAML document. Path is used to resolve relative rule and code
// resolver files and to key the session.
func Parse(data []byte, path string) (*Document, error) {
	var f documentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return New(path, f.Cells)
}

// New builds a document from cells, assigning indexes and validating each cell.
func New(path string, cells []Cell) (*Document, error) {
	d := &Document{path: path, cells: make([]Cell, len(cells))}
	for i, c := range cells {
		c.Index = i
		if err := c.Validate(); err != nil {
			return nil, err
		}
		d.cells[i] = c
	}
	return d, nil
}

// Path returns the document path.
func (d *Document) Path() string {
	return d.path
}

// Dir returns the directory relative file references are resolved against.
func (d *Document) Dir() string {
	if d.path == "" {
		return "."
	}
	return filepath.Dir(d.path)
}

// Len returns the number of cells.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cells)
}

// Cell returns a copy of the cell at index.
func (d *Document) Cell(index int) (Cell, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 || index >= len(d.cells) {
		return Cell{}, false
	}
	return d.cells[index], true
}

// Cells returns a copy of all cells in document order.
func (d *Document) Cells() []Cell {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Cell, len(d.cells))
	copy(out, d.cells)
	return out
}

// PreExecutionCells returns the JSON cells flagged to run before every batch,
// in document order.
func (d *Document) PreExecutionCells() []Cell {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Cell
	for _, c := range d.cells {
		if c.Type == TypeJSON && c.Metadata.PreExecution {
			out = append(out, c)
		}
	}
	return out
}

// TogglePreExecution flips the pre-execution flag on a JSON cell and returns
// the new value. Other content types are rejected.
func (d *Document) TogglePreExecution(index int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.cells) {
		return false, fmt.Errorf("cell %d does not exist", index+1)
	}
	c := &d.cells[index]
	if c.Type != TypeJSON {
		return false, fmt.Errorf("cell %d: only json cells can be pre-execution cells", index+1)
	}
	c.Metadata.PreExecution = !c.Metadata.PreExecution
	return c.Metadata.PreExecution, nil
}

// Resolve finds a cell by name, or by "#N" (one-based) when no name matches.
func (d *Document) Resolve(target string) (Cell, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolveLocked(strings.TrimSpace(target))
}

func (d *Document) resolveLocked(target string) (Cell, bool) {
	if target == "" {
		return Cell{}, false
	}
	for _, c := range d.cells {
		if c.Name == target {
			return c, true
		}
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(target, "#")); err == nil && n >= 1 && n <= len(d.cells) {
		return d.cells[n-1], true
	}
	return Cell{}, false
}

// ReplaceJSONCell swaps the source of a JSON cell, producing a new cell value
// with the same metadata. It returns the replaced cell's index.
func (d *Document) ReplaceJSONCell(target, source string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.resolveLocked(strings.TrimSpace(target))
	if !ok {
		return -1, fmt.Errorf("cell %q does not exist", target)
	}
	if c.Type != TypeJSON {
		return -1, fmt.Errorf("cell %q is a %s cell, only json cells can be updated", target, c.Type)
	}
	c.Source = source
	d.cells[c.Index] = c
	return c.Index, nil
}

// Marshal encodes the document back to YAML.
func (d *Document) Marshal() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return yaml.Marshal(documentFile{Cells: d.cells})
}

// Save writes the document back to its path.
func (d *Document) Save() error {
	if d.path == "" {
		return fmt.Errorf("document has no path")
	}
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
