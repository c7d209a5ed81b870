// Package progress reports batch progress of long running loops.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// LineInterval is the minimum time between updates in line mode.
const LineInterval = 10 * time.Second

// Bar writes "label: done/total description" updates to w. On a terminal it
// redraws a single line; otherwise it appends a line at most once per
// interval.
type Bar struct {
	mu       sync.Mutex
	w        io.Writer
	label    string
	total    int
	done     int
	desc     string
	redraw   bool
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// New returns a Bar. fileFriendly forces line mode even on a terminal.
func New(w io.Writer, label string, total int, fileFriendly bool) *Bar {
	return &Bar{
		w:        w,
		label:    label,
		total:    total,
		redraw:   !fileFriendly && IsTerminal(w),
		interval: LineInterval,
		now:      time.Now,
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Add advances the bar by n and sets the trailing description.
func (b *Bar) Add(n int, desc string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.done += n
	b.desc = desc
	if b.redraw {
		fmt.Fprintf(b.w, "\r%s", b.line())
		return
	}
	now := b.now()
	if b.done < b.total && now.Sub(b.last) < b.interval {
		return
	}
	b.last = now
	fmt.Fprintln(b.w, b.line())
}

// Finish terminates the redraw line.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.redraw {
		fmt.Fprintln(b.w)
	}
}

func (b *Bar) line() string {
	s := fmt.Sprintf("%s: %d/%d", b.label, b.done, b.total)
	if b.desc != "" {
		s += " " + b.desc
	}
	return s
}
