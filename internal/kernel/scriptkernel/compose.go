package scriptkernel

import (
	"strconv"
	"strings"
)

// preamble is the fixed head of every composed program. The blank assignments
// keep the default imports valid for cells that do not use them.
const preamble = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cellrun"
)

var (
	_ = json.Marshal
	_ = fmt.Sprint
	_ = os.Getenv
	_ = strings.TrimSpace
	_ = time.Now
)

func cellMain() {
`

// Composed is a generated program and where the cell source starts in it.
type Composed struct {
	Source string
	// FirstLine is the 1-based line of the first cell source line.
	FirstLine int
}

// Compose builds the program for a cell: preamble, variable restoration from
// varsJSON, then the cell source verbatim.
func Compose(varsJSON []byte, cellSource string) Composed {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\tcellrun.Restore(")
	b.WriteString(strconv.Quote(string(varsJSON)))
	b.WriteString(")\n")
	first := strings.Count(b.String(), "\n") + 1
	b.WriteString(cellSource)
	if !strings.HasSuffix(cellSource, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("}\n")
	return Composed{Source: b.String(), FirstLine: first}
}
