package scriptkernel

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// "/tmp/cellrun-x/cell-3.go:14:2: " or "_.go:14:2: " from the interpreter.
	rePosition = regexp.MustCompile(`^[^\s:]*\.go:(\d+):(\d+):\s*`)

	reGoroutine = regexp.MustCompile(`^goroutine \d+ \[[^\]]+\]:?$`)
	reFrameFunc = regexp.MustCompile(`^(?:[\w./*()\[\]]+\(.*\)|created by \S+(?: in goroutine \d+)?)$`)
	reFrameFile = regexp.MustCompile(`^\s+\S+\.go:\d+(?: \+0x[0-9a-f]+)?$`)

	reDropLine = []*regexp.Regexp{
		regexp.MustCompile(`^exit status \d+$`),
		regexp.MustCompile(`^(?i)yaegi(?: version)? v?\d[\w.\-]*$`),
		regexp.MustCompile(`^(?i)go version go\d[\w.\- /]*$`),
		regexp.MustCompile(`^\[signal .*\]$`),
	}
)

// Sanitize strips interpreter noise from script stderr: file paths, stack frame
// lines and runtime banners. Positions inside the cell are rewritten relative
// to the cell source; positions in the generated preamble are dropped. Frame
// lines are only dropped inside a goroutine trace.
func Sanitize(stderr string, firstLine int) string {
	var out []string
	inTrace := false
	for _, line := range strings.Split(strings.ReplaceAll(stderr, "\r\n", "\n"), "\n") {
		if reGoroutine.MatchString(line) {
			inTrace = true
			continue
		}
		if inTrace {
			if reFrameFunc.MatchString(line) || reFrameFile.MatchString(line) {
				continue
			}
			inTrace = false
		}
		if drop(line) {
			continue
		}
		line = rePosition.ReplaceAllStringFunc(line, func(m string) string {
			sub := rePosition.FindStringSubmatch(m)
			n, err := strconv.Atoi(sub[1])
			if err != nil || firstLine <= 0 || n < firstLine {
				return ""
			}
			return "line " + strconv.Itoa(n-firstLine+1) + ":" + sub[2] + ": "
		})
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func drop(line string) bool {
	for _, re := range reDropLine {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
