package scripthost

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"

	"github.com/spf13/cobra"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"cellrun/cli/internal/variables"
)

// PackagePath is the import path scripts use for the helper package.
const PackagePath = "cellrun"

// EntryPoint is the function the composed program defines.
const EntryPoint = "main.cellMain"

// bare interpreter positions ("14:2: ") at the start of a line.
var reBarePosition = regexp.MustCompile(`(?m)^(\d+:\d+:)`)

// ExitError carries the process exit code for a failed script.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Options configures one host invocation.
type Options struct {
	Script  string
	Handoff string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Exports builds the yaegi symbol table for the helper package bound to rt.
func Exports(rt *Runtime) interp.Exports {
	return interp.Exports{
		PackagePath + "/" + PackagePath: {
			"Restore":        reflect.ValueOf(rt.Restore),
			"Get":            reflect.ValueOf(rt.Get),
			"String":         reflect.ValueOf(rt.String),
			"Int":            reflect.ValueOf(rt.Int),
			"Float":          reflect.ValueOf(rt.Float),
			"Set":            reflect.ValueOf(rt.Set),
			"Delete":         reflect.ValueOf(rt.Delete),
			"Vars":           reflect.ValueOf(rt.Vars),
			"Check":          reflect.ValueOf(rt.Check),
			"HTTP":           reflect.ValueOf(rt.HTTP),
			"Exec":           reflect.ValueOf(rt.Exec),
			"UpdateJSONCell": reflect.ValueOf(rt.UpdateJSONCell),
			"SetTable":       reflect.ValueOf(rt.SetTable),
			"Response":       reflect.ValueOf((*Response)(nil)),
		},
	}
}

// Run interprets the script and writes the handoff when it completes.
// A script that fails yields an *ExitError with code 1 and no handoff.
func Run(ctx context.Context, opts Options) error {
	src, err := os.ReadFile(opts.Script)
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("read script: %w", err)}
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	rt := NewRuntime(ctx)
	i := interp.New(interp.Options{Stdout: stdout, Stderr: stderr, Args: []string{opts.Script}})
	if err := i.Use(stdlib.Symbols); err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("load stdlib: %w", err)}
	}
	if err := i.Use(Exports(rt)); err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("load helpers: %w", err)}
	}
	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return &ExitError{Code: 1, Err: withScriptPath(err, opts.Script)}
	}
	v, err := i.Eval(EntryPoint)
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("%s not defined: %w", EntryPoint, err)}
	}
	fn, ok := v.Interface().(func())
	if !ok {
		return &ExitError{Code: 2, Err: fmt.Errorf("%s has type %s, want func()", EntryPoint, v.Type())}
	}
	if err := call(fn); err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	if opts.Handoff == "" {
		return nil
	}
	if err := variables.WriteHandoff(opts.Handoff, rt.Variables(), rt.SideChannel()); err != nil {
		return &ExitError{Code: 2, Err: err}
	}
	return nil
}

// withScriptPath prefixes bare interpreter positions with the script path so
// the kernel can tell them apart from text the script printed itself.
func withScriptPath(err error, script string) error {
	msg := err.Error()
	fixed := reBarePosition.ReplaceAllString(msg, script+":$1")
	if fixed == msg {
		return err
	}
	return fmt.Errorf("%s", fixed)
}

func call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = fmt.Errorf("panic: %w", v)
			default:
				err = fmt.Errorf("panic: %v", v)
			}
		}
	}()
	fn()
	return nil
}

// NewCommand returns the hidden command the script kernel spawns.
func NewCommand() *cobra.Command {
	var opts Options
	cmd := &cobra.Command{
		Use:           "__script-host",
		Short:         "Run a composed script cell (internal)",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			return Run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Script, "script", "", "path of the composed script")
	cmd.Flags().StringVar(&opts.Handoff, "handoff", "", "path the variables handoff is written to")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

// Main runs the host with args and returns the process exit code. Errors are
// written to stderr as plain text for the kernel to sanitize.
func Main(args []string) int {
	cmd := NewCommand()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, err.Error())
	if ee, ok := err.(*ExitError); ok {
		return ee.Code
	}
	return 2
}
