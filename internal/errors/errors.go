// Package errors defines typed errors with categories for user-friendly reporting.
// Every failure a cell can produce is classified by Kind so the session can decide
// whether it stays local to the cell (configuration, execution) or must be escalated
// (enrichment), and so sandbox infrastructure failures can carry remediation steps
// instead of a raw stack trace.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// Configuration indicates a missing connection or a missing required cell parameter.
	Configuration Kind = "configuration"
	// Execution indicates a driver failure, a failed subprocess or a parse failure.
	Execution Kind = "execution"
	// Enrichment indicates a rule-engine or code-resolver failure after a query ran.
	Enrichment Kind = "enrichment"
	// Sandbox indicates the scripting runtime could not be started.
	Sandbox Kind = "sandbox"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
	// Steps lists remediation steps shown to the user, in order.
	Steps []string
}

func (e *E) Error() string {
	var b strings.Builder
	if e.Err != nil {
		fmt.Fprintf(&b, "%s: %s: %v", e.Kind, e.Message, e.Err)
	} else {
		fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	}
	for i, step := range e.Steps {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, step)
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// WithSteps attaches remediation steps to e and returns it.
func (e *E) WithSteps(steps ...string) *E {
	e.Steps = append(e.Steps, steps...)
	return e
}

// KindOf returns the Kind of the first *E in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
