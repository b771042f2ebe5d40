package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/driver"
	"cellrun/cli/internal/history"
	"cellrun/cli/internal/kernel"
	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/scripthost"
)

const hostEnv = "CELLRUN_TEST_SCRIPT_HOST"

// TestMain lets the test binary double as the script host subprocess.
func TestMain(m *testing.M) {
	if os.Getenv(hostEnv) == "1" {
		os.Exit(scripthost.Main(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func jsonCell(name, src string, pre bool) notebook.Cell {
	return notebook.Cell{Name: name, Type: notebook.TypeJSON, Source: src, Metadata: notebook.Metadata{PreExecution: pre}}
}

func sqlCell(src, connection string) notebook.Cell {
	return notebook.Cell{Type: notebook.TypeSQL, Source: src, Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{Connection: connection}}}
}

func scriptCell(src string) notebook.Cell {
	return notebook.Cell{Type: notebook.TypeScript, Source: src}
}

func newDoc(t *testing.T, cells ...notebook.Cell) *notebook.Document {
	t.Helper()
	doc, err := notebook.New(filepath.Join(t.TempDir(), "doc.yaml"), cells)
	if err != nil {
		t.Fatalf("notebook.New: %v", err)
	}
	return doc
}

func sqliteOptions(t *testing.T) Options {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.db")
	reg := driver.NewRegistry([]config.Connection{{Name: "local", Driver: "sqlite", DSN: path}}, nil, nil)
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return Options{
		Deps: kernel.Deps{
			Connections: reg,
			Script: scriptkernel.Options{
				Runtime: exe,
				Env:     []string{hostEnv + "=1"},
				Timeout: 30 * time.Second,
			},
		},
		History: history.NewMemory(),
	}
}

func all(doc *notebook.Document) []int {
	out := make([]int, doc.Len())
	for i := range out {
		out[i] = i
	}
	return out
}

func TestPlan(t *testing.T) {
	doc := newDoc(t,
		sqlCell("SELECT 1", "local"),
		jsonCell("pre1", `{"a":1}`, true),
		jsonCell("", `{"b":2}`, false),
		jsonCell("pre2", `{"c":3}`, true),
		sqlCell("SELECT 2", "local"),
	)
	s := New(doc, Options{})

	got := s.Plan([]int{4, 0, 4, 1, 9, -1})
	want := []int{1, 3, 0, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 3}, s.Plan(nil)); diff != "" {
		t.Errorf("Plan(nil) mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteBatchThreadsVariables(t *testing.T) {
	opts := sqliteOptions(t)
	var events []Event
	var mu sync.Mutex
	opts.Observer = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	who := sqlCell("SELECT :name AS who", "local")
	who.Metadata.SharedVariable = "whoResult"
	doc := newDoc(t,
		jsonCell("vars", `{"name":"ada"}`, false),
		who,
		notebook.Cell{Type: notebook.TypeJSON, Source: `{"never":true}`, Metadata: notebook.Metadata{Skip: true}},
	)

	batch := New(doc, opts).ExecuteBatch(context.Background(), all(doc))
	if batch.Interrupted || batch.Failed() {
		t.Fatalf("batch = %+v", batch)
	}
	if len(batch.Runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(batch.Runs))
	}
	for i, r := range batch.Runs {
		if r.Result.ExecutionOrder != i+1 {
			t.Errorf("run %d order = %d", i, r.Result.ExecutionOrder)
		}
	}

	tbl := batch.Runs[1].Result.Metadata.Table
	if tbl == nil || len(tbl.Rows) != 1 || tbl.Rows[0][0] != "ada" {
		t.Fatalf("table = %+v", tbl)
	}
	if batch.Runs[2].Result.Status != notebook.StatusSkipped {
		t.Errorf("skip cell status = %q", batch.Runs[2].Result.Status)
	}
	if _, ok := batch.Variables["never"]; ok {
		t.Error("skipped cell changed variables")
	}
	exported, ok := batch.Variables["whoResult"].(map[string]any)
	if !ok || exported["status"] != "executed" {
		t.Errorf("shared variable = %#v", batch.Variables["whoResult"])
	}
	if opts.History.Len() != 1 {
		t.Errorf("history len = %d, want 1", opts.History.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != EventBatchPlanned || events[len(events)-1].Type != EventBatchDone {
		t.Errorf("events start %q end %q", events[0].Type, events[len(events)-1].Type)
	}
}

func TestExecuteBatchConsumesSkipSQL(t *testing.T) {
	skipped := sqlCell("SELECT 1", "local")
	skipped.Metadata.SharedVariable = "first"
	doc := newDoc(t,
		jsonCell("", `{"_skipSql": true}`, false),
		skipped,
		sqlCell("SELECT 2", "local"),
		sqlCell("SELECT 3", "local"),
	)
	batch := New(doc, sqliteOptions(t)).ExecuteBatch(context.Background(), all(doc))

	if got := batch.Runs[1].Result; !got.Skipped {
		t.Errorf("first SQL cell = %+v, want skipped", got)
	}
	for _, run := range batch.Runs[2:] {
		if run.Result.Skipped || run.Result.Status != notebook.StatusExecuted {
			t.Errorf("%s = %+v, want executed", run.Label, run.Result)
		}
	}
	if _, ok := batch.Variables["_skipSql"]; ok {
		t.Error("_skipSql survived the SQL cell")
	}
	exported, ok := batch.Variables["first"].(map[string]any)
	if !ok || exported["skipped"] != true {
		t.Errorf("skipped cell export = %v", batch.Variables["first"])
	}
}

func TestExecuteBatchSkipFlagKeepsSkipSQL(t *testing.T) {
	flagged := sqlCell("SELECT 1", "local")
	flagged.Metadata.Skip = true
	doc := newDoc(t,
		jsonCell("", `{"_skipSql": true}`, false),
		flagged,
		sqlCell("SELECT 2", "local"),
	)
	batch := New(doc, sqliteOptions(t)).ExecuteBatch(context.Background(), all(doc))

	if got := batch.Runs[2].Result; !got.Skipped {
		t.Errorf("SQL cell after a skip-flagged cell = %+v, want skipped", got)
	}
	if _, ok := batch.Variables["_skipSql"]; ok {
		t.Error("_skipSql survived the SQL cell")
	}
}

func TestExecuteBatchErrorsStayLocal(t *testing.T) {
	doc := newDoc(t,
		sqlCell("SELECT 1", ""),
		jsonCell("", `not json`, false),
		jsonCell("", `{"ok":true}`, false),
	)
	batch := New(doc, sqliteOptions(t)).ExecuteBatch(context.Background(), all(doc))

	if len(batch.Runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(batch.Runs))
	}
	if r := batch.Runs[0].Result; r.Status != notebook.StatusError || !strings.Contains(r.Stderr, "no connection selected") {
		t.Errorf("missing connection result = %+v", r)
	}
	if r := batch.Runs[1].Result; r.Status != notebook.StatusError {
		t.Errorf("bad json result = %+v", r)
	}
	if batch.Variables["ok"] != true {
		t.Errorf("variables = %v", batch.Variables)
	}
}

type panicOpener struct{}

func (panicOpener) Open(string) (driver.Driver, error) { panic("opener exploded") }

func TestExecuteBatchRecoversPanics(t *testing.T) {
	doc := newDoc(t, sqlCell("SELECT 1", "local"), jsonCell("", `{"after":1}`, false))
	batch := New(doc, Options{Deps: kernel.Deps{Connections: panicOpener{}}}).ExecuteBatch(context.Background(), all(doc))

	if r := batch.Runs[0].Result; r.Status != notebook.StatusError || !strings.Contains(r.Stderr, "opener exploded") {
		t.Errorf("panic result = %+v", r)
	}
	if batch.Runs[1].Result.Status != notebook.StatusExecuted {
		t.Errorf("cell after panic = %+v", batch.Runs[1].Result)
	}
}

func TestExecuteBatchAppliesCellUpdates(t *testing.T) {
	doc := newDoc(t,
		jsonCell("config", `{}`, false),
		scriptCell(`cellrun.UpdateJSONCell("config", map[string]any{"mode": "fast"})
cellrun.Set("seen", true)`),
	)
	batch := New(doc, sqliteOptions(t)).ExecuteBatch(context.Background(), []int{1})

	if len(batch.Runs) != 1 || batch.Runs[0].Result.Status != notebook.StatusExecuted {
		t.Fatalf("runs = %+v", batch.Runs)
	}
	if diff := cmp.Diff([]int{0}, batch.Mutated); diff != "" {
		t.Errorf("Mutated mismatch (-want +got):\n%s", diff)
	}
	c, _ := doc.Cell(0)
	if !strings.Contains(c.Source, `"mode": "fast"`) {
		t.Errorf("config source = %q", c.Source)
	}
	if batch.Variables["seen"] != true {
		t.Errorf("variables = %v", batch.Variables)
	}
}

// blockingDriver blocks RequestSQL until killed.
type blockingDriver struct {
	started chan struct{}
	killed  chan struct{}
	once    sync.Once
}

func (d *blockingDriver) Connect(context.Context) error { return nil }
func (d *blockingDriver) RequestSQL(ctx context.Context, _ driver.Request) (*notebook.Table, error) {
	close(d.started)
	<-d.killed
	return nil, errors.New("canceling statement due to user request")
}
func (d *blockingDriver) ExplainSQL(context.Context, driver.Request) (*notebook.Table, error) {
	return nil, nil
}
func (d *blockingDriver) ExplainAnalyzeSQL(context.Context, driver.Request) (*notebook.Table, error) {
	return nil, nil
}
func (d *blockingDriver) Kill() error {
	d.once.Do(func() { close(d.killed) })
	return nil
}
func (d *blockingDriver) Disconnect() error                   { return nil }
func (d *blockingDriver) IsPositionedParameterAvailable() bool { return true }

type fixedOpener struct{ d driver.Driver }

func (o fixedOpener) Open(string) (driver.Driver, error) { return o.d, nil }

func TestInterruptStopsBatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &blockingDriver{started: make(chan struct{}), killed: make(chan struct{})}
	doc := newDoc(t,
		jsonCell("", `{"first":1}`, false),
		sqlCell("SELECT pg_sleep(60)", "pg"),
		jsonCell("", `{"third":3}`, false),
	)
	m := NewManager(Options{Deps: kernel.Deps{Connections: fixedOpener{d}}})
	ctx := context.Background()

	if ok, err := m.Interrupt(ctx, doc.Path()); ok || err != nil {
		t.Fatalf("Interrupt with nothing running = %v, %v", ok, err)
	}

	done := make(chan Batch)
	go func() {
		batch, err := m.Run(ctx, doc, all(doc))
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- batch
	}()
	<-d.started

	if !m.Active(doc.Path()) {
		t.Error("Active() = false while running")
	}
	if _, err := m.Run(ctx, doc, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("second Run error = %v, want ErrBusy", err)
	}
	for i := 0; i < 2; i++ {
		if ok, err := m.Interrupt(ctx, doc.Path()); !ok || err != nil {
			t.Fatalf("Interrupt #%d = %v, %v", i+1, ok, err)
		}
	}

	batch := <-done
	if !batch.Interrupted {
		t.Error("batch not marked interrupted")
	}
	if len(batch.Runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(batch.Runs))
	}
	if batch.Variables["first"] == nil {
		t.Error("output of the cell before the interrupt was lost")
	}
	if _, ok := batch.Variables["third"]; ok {
		t.Error("cell after the interrupt ran")
	}
	if m.Active(doc.Path()) {
		t.Error("session still active after batch")
	}
}

func TestProgressObserve(t *testing.T) {
	p := NewProgress()
	executed := notebook.Executed("")
	failed := notebook.Failed(errors.New("x"))
	for _, ev := range []Event{
		{Type: EventBatchPlanned, Plan: []int{0, 1, 2}},
		{Type: EventCellStarted, Cell: 0},
		{Type: EventCellFinished, Cell: 0, Result: &executed},
		{Type: EventCellStarted, Cell: 1},
		{Type: EventCellFinished, Cell: 1, Result: &failed},
		{Type: EventBatchDone, Interrupted: true},
	} {
		p.Observe(ev)
	}
	e, f, s := p.Counts()
	if e != 1 || f != 1 || s != 0 {
		t.Errorf("Counts() = %d, %d, %d", e, f, s)
	}
	if diff := cmp.Diff([]int{2}, p.Pending()); diff != "" {
		t.Errorf("Pending() mismatch (-want +got):\n%s", diff)
	}
	if !p.HasFailures() || !p.Done || !p.Interrupted {
		t.Errorf("progress = %+v", p)
	}
}
