package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"
)

// startInlineSpinner animates frames followed by text on a single line of w
// until the returned function is called, which clears the line.
func startInlineSpinner(w io.Writer, text string, frames []string, interval time.Duration) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		width := 0
		for i := 0; ; i++ {
			line := fmt.Sprintf("%s %s", frames[i%len(frames)], text)
			if n := utf8.RuneCountInString(line); n > width {
				width = n
			}
			select {
			case <-stop:
				fmt.Fprintf(w, "\r%*s\r", width, "")
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s", line)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}
