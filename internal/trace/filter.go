package trace

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Filter selects events by level and provider name. An empty set admits everything.
type Filter struct {
	Levels    map[int]bool
	Providers map[string]bool
}

// NewFilter builds a filter from level and provider lists.
func NewFilter(levels []int, providers []string) Filter {
	f := Filter{}
	if len(levels) > 0 {
		f.Levels = make(map[int]bool, len(levels))
		for _, l := range levels {
			f.Levels[l] = true
		}
	}
	if len(providers) > 0 {
		f.Providers = make(map[string]bool, len(providers))
		for _, p := range providers {
			f.Providers[strings.ToLower(p)] = true
		}
	}
	return f
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if len(f.Levels) > 0 && !f.Levels[e.Level] {
		return false
	}
	if len(f.Providers) > 0 && !f.Providers[strings.ToLower(e.ProviderName)] {
		return false
	}
	return true
}

// Printer writes filtered events as text lines. It is the default event sink.
type Printer struct {
	mu          sync.Mutex
	w           io.Writer
	filter      Filter
	noTimestamp bool
}

// NewPrinter returns a sink that writes events accepted by filter to w.
func NewPrinter(w io.Writer, filter Filter, noTimestamp bool) *Printer {
	return &Printer{w: w, filter: filter, noTimestamp: noTimestamp}
}

// Handle writes e if it passes the filter and reports whether it did.
func (p *Printer) Handle(e Event) bool {
	if !p.filter.Match(e) {
		return false
	}
	line := Format(e, p.noTimestamp)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
	return true
}

// Format renders one event line.
func Format(e Event, noTimestamp bool) string {
	msg := e.StringMessage
	if msg == "" {
		msg = e.Message
	}
	var b strings.Builder
	if !noTimestamp {
		b.WriteString(e.Time().Local().Format("2006-01-02 15:04:05.000"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "[%s] %s: %s", LevelName(e.Level), e.ProviderName, msg)
	return b.String()
}
