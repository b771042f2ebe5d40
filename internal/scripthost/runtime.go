// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package scripthost is the subprocess side of the script sandbox. It interprets
// a composed Go program with yaegi, exposes the "cellrun" helper package to it,
// and on success writes the variables and side-channel outputs to the handoff
// file the kernel reads back.
package scripthost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// Response is what cellrun.HTTP returns to scripts.
type Response struct {
	Status  int
	Headers map[string]string
	Body    string
}

// JSON decodes the body.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal([]byte(r.Body), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Runtime backs the helper package for one script run.
type Runtime struct {
	ctx    context.Context
	client *http.Client

	mu      sync.Mutex
	vars    *variables.Store
	table   *notebook.Table
	http    []notebook.HTTPExchange
	updates []notebook.CellUpdate
}

// NewRuntime returns a runtime with an empty variable store.
func NewRuntime(ctx context.Context) *Runtime {
	return &Runtime{
		ctx:    ctx,
		client: &http.Client{Timeout: 60 * time.Second},
		vars:   variables.New(),
	}
}

// Restore replaces the variables with the JSON object embedded in the script.
func (r *Runtime) Restore(data string) {
	parsed, err := variables.ParseObject([]byte(data))
	if err != nil {
		panic(fmt.Sprintf("restore variables: %v", err))
	}
	r.vars.Replace(parsed)
}

// Get returns a variable or nil.
func (r *Runtime) Get(key string) any {
	v, _ := r.vars.Get(key)
	return v
}

// String returns a variable formatted as a string.
func (r *Runtime) String(key string) string {
	v, ok := r.vars.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns a numeric variable as int64, or 0.
func (r *Runtime) Int(key string) int64 {
	switch v := r.Get(key).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Float returns a numeric variable as float64, or 0.
func (r *Runtime) Float(key string) float64 {
	switch v := r.Get(key).(type) {
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// Set stores a variable.
func (r *Runtime) Set(key string, value any) {
	r.vars.Set(key, value)
}

// Delete removes a variable.
func (r *Runtime) Delete(key string) {
	r.vars.Delete(key)
}

// Vars returns a copy of every variable.
func (r *Runtime) Vars() map[string]any {
	return r.vars.Snapshot()
}

// Check panics when err is not nil, failing the cell with its message.
func (r *Runtime) Check(err error) {
	if err != nil {
		panic(err.Error())
	}
}

// HTTP performs a request and records it in the transcript.
func (r *Runtime) HTTP(method, url, body string, headers map[string]string) (*Response, error) {
	ex := notebook.HTTPExchange{
		Method:         strings.ToUpper(method),
		URL:            url,
		RequestHeaders: headers,
		RequestBody:    body,
		StartedAt:      time.Now(),
	}
	resp, err := r.do(ex.Method, url, body, headers)
	ex.ElapsedMS = time.Since(ex.StartedAt).Milliseconds()
	if err != nil {
		ex.Error = err.Error()
	} else {
		ex.Status = resp.Status
		ex.ResponseHeaders = resp.Headers
		ex.ResponseBody = resp.Body
	}
	r.mu.Lock()
	r.http = append(r.http, ex)
	r.mu.Unlock()
	return resp, err
}

func (r *Runtime) do(method, url, body string, headers map[string]string) (*Response, error) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &Response{Status: resp.StatusCode, Headers: make(map[string]string, len(resp.Header)), Body: string(data)}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// Exec runs an external program in the script's working directory and returns
// its stdout. Stderr is included in the error on failure.
func (r *Runtime) Exec(name string, args ...string) (string, error) {
	cmd := exec.CommandContext(r.ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.String(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}

// UpdateJSONCell queues a request to replace the content of a JSON cell,
// addressed by name or "#N".
func (r *Runtime) UpdateJSONCell(target string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("update %s: %w", target, err)
	}
	r.mu.Lock()
	r.updates = append(r.updates, notebook.CellUpdate{Target: target, Value: data})
	r.mu.Unlock()
	return nil
}

// SetTable publishes a result table for the cell.
func (r *Runtime) SetTable(name string, columns []string, rows [][]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = &notebook.Table{Name: name, Kind: notebook.KindSelect, Columns: columns, Rows: rows}
}

// SideChannel returns the structured outputs collected so far.
func (r *Runtime) SideChannel() variables.SideChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return variables.SideChannel{
		Table:       r.table,
		HTTP:        append([]notebook.HTTPExchange(nil), r.http...),
		CellUpdates: append([]notebook.CellUpdate(nil), r.updates...),
	}
}

// Variables returns the live store.
func (r *Runtime) Variables() *variables.Store {
	return r.vars
}
