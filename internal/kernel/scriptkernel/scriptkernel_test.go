package scriptkernel

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/scripthost"
	"cellrun/cli/internal/variables"
)

const hostEnv = "CELLRUN_TEST_SCRIPT_HOST"

// TestMain lets the test binary double as the script host subprocess.
func TestMain(m *testing.M) {
	if os.Getenv(hostEnv) == "1" {
		os.Exit(scripthost.Main(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func newKernel(t *testing.T, output func(Stream, string)) *Kernel {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	k := New(Options{
		Runtime: exe,
		Env:     []string{hostEnv + "=1"},
		Timeout: 30 * time.Second,
		Output:  output,
	})
	t.Cleanup(func() { k.Dispose() })
	return k
}

func scriptCell(index int, src string) notebook.Cell {
	return notebook.Cell{Index: index, Type: notebook.TypeScript, Source: src, Metadata: notebook.Metadata{Script: &notebook.ScriptConfig{}}}
}

func TestRunVariableRoundTrip(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t, nil)
	vars := variables.New()
	vars.Set("before", "kept")

	res := k.Run(ctx, scriptCell(0, `cellrun.Set("key", "X")`), vars)
	if res.Status != notebook.StatusExecuted {
		t.Fatalf("first run: %+v", res)
	}
	if v, _ := vars.Get("key"); v != "X" {
		t.Fatalf("key = %v, want X", v)
	}

	res = k.Run(ctx, scriptCell(1, `fmt.Println(cellrun.String("key") + cellrun.String("before"))`), vars)
	if res.Status != notebook.StatusExecuted {
		t.Fatalf("second run: %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "Xkept" {
		t.Errorf("stdout = %q, want Xkept", res.Stdout)
	}
}

func TestRunPanicLeavesStoreIntact(t *testing.T) {
	k := newKernel(t, nil)
	vars := variables.New()
	vars.Set("stable", int64(1))

	res := k.Run(context.Background(), scriptCell(0, `cellrun.Set("stable", 2)
cellrun.Set("leak", true)
panic("boom")`), vars)

	if res.Status != notebook.StatusError || !strings.Contains(res.Stderr, "boom") {
		t.Fatalf("result = %+v, want error mentioning boom", res)
	}
	if v, _ := vars.Get("stable"); v != int64(1) {
		t.Errorf("stable = %v, want 1", v)
	}
	if _, ok := vars.Get("leak"); ok {
		t.Error("variable from failed script leaked into the store")
	}
}

func TestRunCompileErrorIsSanitized(t *testing.T) {
	k := newKernel(t, nil)
	res := k.Run(context.Background(), scriptCell(0, "x := 1\nnotDefined(x)"), variables.New())
	if res.Status != notebook.StatusError {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(res.Stderr, "notDefined") {
		t.Errorf("stderr = %q, want undefined name", res.Stderr)
	}
	if strings.Contains(res.Stderr, ".go:") || strings.Contains(res.Stderr, os.TempDir()) {
		t.Errorf("stderr leaks script path: %q", res.Stderr)
	}
}

func TestRunSideChannels(t *testing.T) {
	k := newKernel(t, nil)
	vars := variables.New()
	res := k.Run(context.Background(), scriptCell(0, `cellrun.SetTable("people", []string{"name"}, [][]interface{}{{"ada"}})
cellrun.Check(cellrun.UpdateJSONCell("config", map[string]interface{}{"limit": 3}))
cellrun.Set("_httpTranscript", []interface{}{map[string]interface{}{"method": "GET", "url": "http://example.invalid"}})`), vars)

	if res.Status != notebook.StatusExecuted {
		t.Fatalf("result = %+v", res)
	}
	meta := res.Metadata
	if meta == nil || meta.Table == nil || meta.Table.Name != "people" {
		t.Fatalf("table missing: %+v", meta)
	}
	if len(meta.CellUpdates) != 1 || meta.CellUpdates[0].Target != "config" {
		t.Errorf("cell updates = %+v", meta.CellUpdates)
	}
	if len(meta.HTTP) != 1 || meta.HTTP[0].URL != "http://example.invalid" {
		t.Errorf("http = %+v", meta.HTTP)
	}
	if _, ok := vars.Get(variables.HTTPTranscript); ok {
		t.Error("reserved key left in the store")
	}
}

func TestRunSpawnFailureIsActionable(t *testing.T) {
	k := New(Options{Runtime: "/nonexistent/cellrun-runtime"})
	defer k.Dispose()
	vars := variables.New()
	vars.Set("a", 1)

	res := k.Run(context.Background(), scriptCell(0, `cellrun.Set("a", 2)`), vars)
	if res.Status != notebook.StatusError {
		t.Fatalf("status = %q", res.Status)
	}
	for _, want := range []string{"sandbox", "could not start the script runtime", "1. "} {
		if !strings.Contains(res.Stderr, want) {
			t.Errorf("stderr %q missing %q", res.Stderr, want)
		}
	}
	if v, _ := vars.Get("a"); v != 1 {
		t.Errorf("a = %v, want 1", v)
	}
}

func TestInterruptKillsSubprocess(t *testing.T) {
	ready := make(chan struct{})
	k := newKernel(t, func(stream Stream, line string) {
		if stream == Stdout && line == "ready" {
			close(ready)
		}
	})

	if err := k.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt when idle: %v", err)
	}

	done := make(chan notebook.RunResult, 1)
	go func() {
		done <- k.Run(context.Background(), scriptCell(0, `fmt.Println("ready")
time.Sleep(time.Minute)`), variables.New())
	}()

	select {
	case <-ready:
	case <-time.After(20 * time.Second):
		t.Fatal("script never became ready")
	}
	if err := k.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != notebook.StatusError || !strings.Contains(res.Stderr, "interrupted") {
			t.Errorf("result = %+v", res)
		}
		if !strings.Contains(res.Stdout, "ready") {
			t.Errorf("partial stdout lost: %q", res.Stdout)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Interrupt")
	}
}

func TestRunTimeout(t *testing.T) {
	k := newKernel(t, nil)
	cell := scriptCell(0, `time.Sleep(time.Minute)`)
	cell.Metadata.Script.TimeoutSeconds = 1

	res := k.Run(context.Background(), cell, variables.New())
	if !strings.Contains(res.Stderr, "timed out after 1s") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestDisposeRemovesWorkspace(t *testing.T) {
	k := newKernel(t, nil)
	if res := k.Run(context.Background(), scriptCell(0, `_ = 1`), variables.New()); res.Status != notebook.StatusExecuted {
		t.Fatalf("run: %+v", res)
	}
	dir := k.Dir()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace missing before Dispose: %v", err)
	}
	if err := k.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace still present: %v", err)
	}
}
