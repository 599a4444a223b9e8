package app

import (
	"fmt"
	"io"
	"sync"
)

// statusLine prints one evolving line per operation:
// "Starting X: Done." or "Starting X: Failed: reason".
type statusLine struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
	last   int
}

func newStatusLine(w io.Writer, verb, name string) *statusLine {
	s := &statusLine{w: w, prefix: fmt.Sprintf("%s %s: ", verb, name), last: -1}
	_, _ = fmt.Fprint(w, s.prefix)
	return s
}

// progress rewrites the line with an upload percentage. Repeated values are skipped.
func (s *statusLine) progress(read, total int64) {
	if total <= 0 {
		return
	}
	pct := int(read * 100 / total)
	s.mu.Lock()
	defer s.mu.Unlock()
	if pct == s.last {
		return
	}
	s.last = pct
	_, _ = fmt.Fprintf(s.w, "\r%s%3d%%", s.prefix, pct)
}

func (s *statusLine) note(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewind()
	_, _ = fmt.Fprintf(s.w, "%s... ", msg)
}

func (s *statusLine) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewind()
	_, _ = fmt.Fprintln(s.w, "Done.")
}

func (s *statusLine) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewind()
	if reason := Reason(err); reason != "" {
		_, _ = fmt.Fprintf(s.w, "Failed: %s\n", reason)
		return
	}
	_, _ = fmt.Fprintf(s.w, "Failed: %v\n", err)
}

// rewind restarts the line after a progress update.
func (s *statusLine) rewind() {
	if s.last >= 0 {
		_, _ = fmt.Fprintf(s.w, "\r%s", s.prefix)
		s.last = -1
	}
}
