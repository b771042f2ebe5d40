package scriptkernel

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name      string
		stderr    string
		firstLine int
		want      string
	}{
		{
			name:      "path and position rewritten to cell line",
			stderr:    "/tmp/cellrun-session-1/cell-2.go:23:5: undefined: foo",
			firstLine: 22,
			want:      "line 2:5: undefined: foo",
		},
		{
			name:      "interpreter source name",
			stderr:    "_.go:22:1: expected statement",
			firstLine: 22,
			want:      "line 1:1: expected statement",
		},
		{
			name:      "preamble position dropped",
			stderr:    "/tmp/cellrun-session-1/cell-2.go:3:2: import cycle",
			firstLine: 22,
			want:      "import cycle",
		},
		{
			name: "stack frames and banners removed",
			stderr: strings.Join([]string{
				"panic: boom",
				"",
				"goroutine 1 [running]:",
				"main.cellMain()",
				"\t/tmp/cellrun-session-1/cell-1.go:24 +0x1d",
				"exit status 2",
			}, "\n"),
			firstLine: 22,
			want:      "panic: boom",
		},
		{
			name:      "user lines resembling positions and calls kept",
			stderr:    "10:15: job started\nretry(3)\nreal error here",
			firstLine: 20,
			want:      "10:15: job started\nretry(3)\nreal error here",
		},
		{
			name: "trace ends at first non-frame line",
			stderr: strings.Join([]string{
				"goroutine 7 [running]:",
				"main.cellMain()",
				"\t/tmp/cellrun-session-1/cell-1.go:24 +0x1d",
				"created by main.main in goroutine 1",
				"\t/tmp/cellrun-session-1/cell-1.go:30 +0x2a",
				"",
				"cleanup(ok)",
			}, "\n"),
			firstLine: 22,
			want:      "cleanup(ok)",
		},
		{
			name:   "plain message untouched",
			stderr: "warning: retrying\r\n",
			want:   "warning: retrying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.stderr, tt.firstLine); got != tt.want {
				t.Errorf("Sanitize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeFirstLine(t *testing.T) {
	prog := Compose([]byte(`{"a":"b\"c"}`), "cellrun.Set(\"x\", 1)\nfmt.Println(2)")
	lines := strings.Split(prog.Source, "\n")
	if got := lines[prog.FirstLine-1]; got != `cellrun.Set("x", 1)` {
		t.Errorf("line %d = %q, want the first cell line", prog.FirstLine, got)
	}
	if !strings.Contains(prog.Source, `cellrun.Restore("{\"a\":\"b\\\"c\"}")`) {
		t.Errorf("restore literal not quoted:\n%s", prog.Source)
	}
	if !strings.HasSuffix(prog.Source, "fmt.Println(2)\n}\n") {
		t.Errorf("program not closed:\n%s", prog.Source)
	}
}
