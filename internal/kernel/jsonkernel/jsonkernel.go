// Package jsonkernel merges the top-level keys of a JSON cell into the Variable Store.
package jsonkernel

import (
	"context"
	"fmt"
	"strings"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// Kernel runs json cells.
type Kernel struct{}

// New returns a JSON-merge kernel.
func New() *Kernel { return &Kernel{} }

// Run parses the cell as an object and merges it. On a parse failure the store
// is not touched.
func (k *Kernel) Run(_ context.Context, cell notebook.Cell, vars *variables.Store) notebook.RunResult {
	src := strings.TrimSpace(cell.Source)
	if src == "" {
		return notebook.Executed("")
	}
	parsed, err := variables.ParseObject([]byte(src))
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Execution, "cell is not a JSON object", err))
	}
	if vars != nil {
		vars.Merge(parsed)
	}
	keys := parsed.Keys()
	return notebook.Executed(fmt.Sprintf("set %d variable(s): %s", len(keys), strings.Join(keys, ", ")))
}

// Interrupt is a no-op; merges do not block.
func (k *Kernel) Interrupt(context.Context) error { return nil }
