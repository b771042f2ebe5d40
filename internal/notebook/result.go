package notebook

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the outcome of running one cell.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusError    Status = "error"
	StatusSkipped  Status = "skipped"
)

// RunResult is what every kernel returns for a cell.
type RunResult struct {
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	Skipped        bool            `json:"skipped"`
	Status         Status          `json:"status"`
	ExecutionOrder int             `json:"executionOrder"`
	Duration       time.Duration   `json:"-"`
	Metadata       *ResultMetadata `json:"metadata,omitempty"`
}

// ResultMetadata carries the structured outputs of a run.
type ResultMetadata struct {
	Connection  string         `json:"connection,omitempty"`
	Table       *Table         `json:"table,omitempty"`
	ExplainPlan *Table         `json:"explainPlan,omitempty"`
	AnalyzePlan *Table         `json:"analyzePlan,omitempty"`
	HTTP        []HTTPExchange `json:"http,omitempty"`
	CellUpdates []CellUpdate   `json:"cellUpdates,omitempty"`
	// MessageID is set by broker publish runs.
	MessageID string `json:"messageId,omitempty"`
}

// HTTPExchange records one outbound HTTP call made by a script.
type HTTPExchange struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	Status          int               `json:"status,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	ElapsedMS       int64             `json:"elapsedMs"`
	Error           string            `json:"error,omitempty"`
}

// CellUpdate asks the controller to replace a JSON cell's content.
// Target is a cell name or "#N".
type CellUpdate struct {
	Target string          `json:"target"`
	Value  json.RawMessage `json:"value"`
}

// Executed returns a successful result with the given stdout.
func Executed(stdout string) RunResult {
	return RunResult{Stdout: stdout, Status: StatusExecuted}
}

// Failed returns an error result carrying err's message.
func Failed(err error) RunResult {
	r := RunResult{Status: StatusError}
	if err != nil {
		r.Stderr = err.Error()
	}
	return r
}

// SkippedResult returns the result of a cell that did not run.
func SkippedResult() RunResult {
	return RunResult{Skipped: true, Status: StatusSkipped}
}

// AppendStderr adds msg on its own line.
func (r *RunResult) AppendStderr(msg string) {
	msg = strings.TrimRight(msg, "\n")
	if msg == "" {
		return
	}
	if r.Stderr != "" && !strings.HasSuffix(r.Stderr, "\n") {
		r.Stderr += "\n"
	}
	r.Stderr += msg
}

// Meta returns the metadata, allocating it on first use.
func (r *RunResult) Meta() *ResultMetadata {
	if r.Metadata == nil {
		r.Metadata = &ResultMetadata{}
	}
	return r.Metadata
}

// Normalize enforces stderr non-empty => status error (unless skipped) and
// fills a missing status.
func (r *RunResult) Normalize() {
	switch {
	case r.Skipped:
		r.Status = StatusSkipped
	case strings.TrimSpace(r.Stderr) != "":
		r.Status = StatusError
	case r.Status == "" || r.Status == StatusSkipped:
		r.Status = StatusExecuted
	}
}

// OK reports whether the cell executed without error.
func (r RunResult) OK() bool {
	return r.Status == StatusExecuted
}

// Export converts the result to plain JSON values for storage in the Variable Store.
func (r RunResult) Export() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out["durationMs"] = r.Duration.Milliseconds()
	return out, nil
}
