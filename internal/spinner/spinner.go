// Package spinner draws a progress line on interactive terminals.
package spinner

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const interval = 100 * time.Millisecond

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Start draws message, an animated frame and the elapsed time on w until the
// returned stop function is called. Stop clears the line, waits for the
// last write, and may be called more than once.
func Start(w io.Writer, message string) (stop func()) {
	return start(w, message, interval)
}

func start(w io.Writer, message string, every time.Duration) func() {
	done := make(chan struct{})
	cleared := make(chan struct{})
	began := time.Now()
	var once sync.Once

	go func() {
		defer close(cleared)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		width := 0
		for i := 0; ; i++ {
			line := fmt.Sprintf("%s %s (%s)", frames[i%len(frames)], message, time.Since(began).Truncate(time.Second))
			width = max(width, utf8.RuneCountInString(line))
			fmt.Fprintf(w, "\r%s", line) //nolint:errcheck

			select {
			case <-done:
				fmt.Fprintf(w, "\r%s\r", strings.Repeat(" ", width)) //nolint:errcheck
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-cleared
	}
}
