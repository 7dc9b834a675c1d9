package logging

import (
	"strings"
	"sync"
)

// Capture collects formatted log lines at or above a minimum level so a
// whole run's log can be delivered in one email afterwards, instead of
// wiring a mail handler into every log call.
type Capture struct {
	mu    sync.Mutex
	min   Level
	lines []string
	max   int
}

// NewCapture attaches a capture sink to the logger. maxLines bounds memory;
// once full, further lines are dropped and the loss is noted in the output.
func (l *Logger) NewCapture(min Level, maxLines int) *Capture {
	if maxLines <= 0 {
		maxLines = 1000
	}
	c := &Capture{min: min, max: maxLines}
	l.mu.Lock()
	l.captures = append(l.captures, c)
	l.mu.Unlock()
	return c
}

func (c *Capture) add(level Level, line string) {
	if level < c.min {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) >= c.max {
		if len(c.lines) == c.max {
			c.lines = append(c.lines, "... capture buffer full, further lines dropped")
		}
		return
	}
	c.lines = append(c.lines, line)
}

// Lines returns the captured lines in order.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// String joins the captured lines into one message body.
func (c *Capture) String() string {
	return strings.Join(c.Lines(), "\n")
}

// Len returns the number of captured lines.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}
