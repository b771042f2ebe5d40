// Package terminal provides small interactive helpers: hidden password
// prompts and clearing echoed input.
package terminal

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"golang.org/x/term"
)

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ReadSecret prints prompt and reads a line from the terminal without echo.
func ReadSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadLine reads one line from r with the trailing newline removed.
func ReadLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ClearPreviousLines clears textLength characters of previously printed text,
// plus the line the cursor moved to after Enter. The terminal width decides
// how many lines the text wrapped over.
func ClearPreviousLines(textLength int) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	lines := int(math.Ceil(float64(textLength) / float64(width)))
	if lines < 1 {
		lines = 1
	}
	lines++
	for i := 0; i < lines; i++ {
		fmt.Print("\r\x1b[2K")
		if i < lines-1 {
			fmt.Print("\x1b[1A")
		}
	}
}
