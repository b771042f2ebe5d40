// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package scriptkernel runs script cells in an isolated subprocess. Each run
// composes a Go program from a fixed preamble, the serialized Variable Store and
// the cell source, writes it into the session's temporary directory and spawns
// the script host on it. Variables and side-channel outputs come back through a
// versioned handoff file that is only read when the subprocess exits cleanly.
package scriptkernel

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// HostCommand is the hidden cellrun subcommand that hosts scripts.
const HostCommand = "__script-host"

// Stream names a subprocess output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Options configures the kernel.
type Options struct {
	// Runtime is the script host executable. Empty means the running binary.
	Runtime string
	// Args precede --script/--handoff. Defaults to the host subcommand when
	// Runtime is empty.
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// Timeout bounds one run; cells may override it. Zero means none.
	Timeout time.Duration
	// Output receives each line as the subprocess writes it.
	Output func(stream Stream, line string)
	Log    *zap.Logger
}

// Kernel runs script cells. It owns a temporary directory for the lifetime of
// the session; Dispose removes it.
type Kernel struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	dir  string
	runs int
	proc *os.Process
}

// New returns a kernel; the temporary directory is created on first run.
func New(opts Options) *Kernel {
	return &Kernel{opts: opts, log: logging.OrNop(opts.Log)}
}

// Dir returns the session temporary directory, or "" before the first run.
func (k *Kernel) Dir() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dir
}

func (k *Kernel) prepare() (dir string, run int, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dir == "" {
		d, err := os.MkdirTemp("", "cellrun-session-*")
		if err != nil {
			return "", 0, err
		}
		if err := os.Mkdir(filepath.Join(d, "work"), 0o700); err != nil {
			os.RemoveAll(d)
			return "", 0, err
		}
		k.dir = d
	}
	k.runs++
	return k.dir, k.runs, nil
}

func (k *Kernel) command() (string, []string, error) {
	runtime, args := k.opts.Runtime, k.opts.Args
	if runtime == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, err
		}
		runtime = exe
		if args == nil {
			args = []string{HostCommand}
		}
	}
	path, err := exec.LookPath(runtime)
	if err != nil {
		return "", nil, err
	}
	return path, append([]string(nil), args...), nil
}

// Run executes a script cell against vars. The store is only modified when the
// subprocess exits with status 0 and leaves a valid handoff.
func (k *Kernel) Run(ctx context.Context, cell notebook.Cell, vars *variables.Store) notebook.RunResult {
	if vars == nil {
		vars = variables.New()
	}
	dir, run, err := k.prepare()
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Sandbox, "create script workspace", err).
			WithSteps("Check that the system temporary directory is writable (TMPDIR)"))
	}

	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Execution, "serialize variables", err))
	}
	prog := Compose(varsJSON, cell.Source)
	script := filepath.Join(dir, fmt.Sprintf("cell-%d.go", run))
	if err := os.WriteFile(script, []byte(prog.Source), 0o600); err != nil {
		return notebook.Failed(errors.Wrap(errors.Sandbox, "write script", err))
	}
	handoff := filepath.Join(dir, variables.HandoffFileName)
	if err := os.Remove(handoff); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return notebook.Failed(errors.Wrap(errors.Sandbox, "clear previous handoff", err))
	}

	runtime, args, err := k.command()
	if err != nil {
		return notebook.Failed(k.spawnError(err))
	}
	args = append(args, "--script", script, "--handoff", handoff)

	timeout := k.opts.Timeout
	if cfg := cell.Metadata.Script; cfg != nil && cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, runtime, args...)
	cmd.Dir = filepath.Join(dir, "work")
	cmd.Env = append(os.Environ(), k.opts.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return notebook.Failed(k.spawnError(err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return notebook.Failed(k.spawnError(err))
	}
	if err := cmd.Start(); err != nil {
		return notebook.Failed(k.spawnError(err))
	}
	k.mu.Lock()
	k.proc = cmd.Process
	k.mu.Unlock()
	k.log.Debug("script started", zap.Int("cell", cell.Index), zap.Int("pid", cmd.Process.Pid), zap.String("script", script))

	var outBuf, errBuf strings.Builder
	var g errgroup.Group
	g.Go(func() error { return k.pump(stdout, Stdout, &outBuf) })
	g.Go(func() error { return k.pump(stderr, Stderr, &errBuf) })
	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	k.mu.Lock()
	k.proc = nil
	k.mu.Unlock()

	res := notebook.RunResult{Stdout: outBuf.String(), Status: notebook.StatusExecuted}
	if pumpErr != nil {
		k.log.Debug("script output stream failed", zap.Error(pumpErr))
	}
	if waitErr != nil {
		msg := Sanitize(errBuf.String(), prog.FirstLine)
		switch {
		case stderrors.Is(runCtx.Err(), context.DeadlineExceeded):
			msg = strings.TrimSpace(msg + fmt.Sprintf("\nscript timed out after %s", timeout))
		case ctx.Err() != nil || killed(waitErr):
			msg = strings.TrimSpace(msg + "\nscript interrupted")
		case msg == "":
			msg = fmt.Sprintf("script failed: %v", waitErr)
		}
		res.AppendStderr(msg)
		res.Normalize()
		return res
	}
	if s := Sanitize(errBuf.String(), prog.FirstLine); s != "" {
		res.AppendStderr(s)
	}

	k.merge(&res, handoff, vars)
	res.Normalize()
	return res
}

// merge applies a clean run's handoff. A missing handoff means no change; a bad
// one leaves vars untouched and is reported.
func (k *Kernel) merge(res *notebook.RunResult, path string, vars *variables.Store) {
	h, err := variables.ReadHandoff(path)
	if stderrors.Is(err, variables.ErrNoHandoff) {
		return
	}
	if err != nil {
		k.log.Warn("script handoff rejected", zap.Error(err))
		res.AppendStderr(fmt.Sprintf("variables from this script were discarded: %v", err))
		return
	}

	side := h.SideChannel
	legacySideChannel(h.Variables, &side, k.log)
	vars.Replace(h.Variables)

	if side.Empty() {
		return
	}
	meta := res.Meta()
	meta.Table = side.Table
	meta.HTTP = side.HTTP
	meta.CellUpdates = side.CellUpdates
}

// legacySideChannel moves reserved side-channel keys a script set directly
// into side, deleting them from vars.
func legacySideChannel(vars *variables.Store, side *variables.SideChannel, log *zap.Logger) {
	if v, ok := vars.Take(variables.ResultTable); ok && side.Table == nil {
		var t notebook.Table
		if err := remarshal(v, &t); err != nil {
			log.Debug("ignoring malformed result table", zap.Error(err))
		} else {
			if t.Kind == "" {
				t.Kind = notebook.KindSelect
			}
			side.Table = &t
		}
	}
	if v, ok := vars.Take(variables.HTTPTranscript); ok {
		var ex []notebook.HTTPExchange
		if err := remarshal(v, &ex); err != nil {
			log.Debug("ignoring malformed http transcript", zap.Error(err))
		} else {
			side.HTTP = append(side.HTTP, ex...)
		}
	}
	if v, ok := vars.Take(variables.UpdateJSONCells); ok {
		var ups []notebook.CellUpdate
		if err := remarshal(v, &ups); err != nil {
			log.Debug("ignoring malformed cell updates", zap.Error(err))
		} else {
			side.CellUpdates = append(side.CellUpdates, ups...)
		}
	}
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (k *Kernel) pump(r io.Reader, stream Stream, buf *strings.Builder) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if k.opts.Output != nil {
			k.opts.Output(stream, line)
		}
	}
	if err := sc.Err(); err != nil {
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func (k *Kernel) spawnError(err error) error {
	runtime := k.opts.Runtime
	if runtime == "" {
		runtime = "cellrun " + HostCommand
	}
	return errors.Wrap(errors.Sandbox, fmt.Sprintf("could not start the script runtime %q", runtime), err).WithSteps(
		"Check that script.runtime in the cellrun config points to an executable, or remove it to use the built-in host",
		"If you set a custom runtime, make sure it is on PATH or use an absolute path",
		"Run 'cellrun version' to confirm the binary itself starts",
	)
}

// Interrupt kills the running subprocess. A failed kill is logged only.
func (k *Kernel) Interrupt(ctx context.Context) error {
	k.mu.Lock()
	proc := k.proc
	k.mu.Unlock()
	if proc == nil {
		return nil
	}
	k.log.Info("killing script", zap.Int("pid", proc.Pid))
	if err := proc.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		k.log.Warn("failed to kill script process", zap.Int("pid", proc.Pid), zap.Error(err))
	}
	return nil
}

// Dispose removes the session temporary directory.
func (k *Kernel) Dispose() error {
	k.mu.Lock()
	dir := k.dir
	k.dir = ""
	k.mu.Unlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func killed(err error) bool {
	var ee *exec.ExitError
	if !stderrors.As(err, &ee) {
		return false
	}
	return ee.ExitCode() == -1
}
