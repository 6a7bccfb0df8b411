// Package stdio provides the process-wide output channel that scripts print to.
//
// A Channel stands in for standard output: scripts write to it, and the
// runner temporarily diverts it into a per-request buffer. Diversions nest
// like a stack and every diversion is undone by calling the returned restore
// function, which is safe to call more than once.
package stdio

import (
	"io"
	"os"
	"sync"
)

// Stdout is the default channel, initially bound to the process stdout.
var Stdout = NewChannel(os.Stdout)

// Channel is a swappable io.Writer.
type Channel struct {
	mu sync.RWMutex
	w  io.Writer
}

// NewChannel creates a channel bound to w. A nil w discards output.
func NewChannel(w io.Writer) *Channel {
	if w == nil {
		w = io.Discard
	}
	return &Channel{w: w}
}

// Write forwards p to the currently active writer.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.RLock()
	w := c.w
	c.mu.RUnlock()
	return w.Write(p)
}

// Current returns the active writer.
func (c *Channel) Current() io.Writer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.w
}

// Divert makes w the active writer and returns a function that reinstates
// the previous one. Only the first call of restore has an effect.
func (c *Channel) Divert(w io.Writer) (restore func()) {
	c.mu.Lock()
	previous := c.w
	c.w = w
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.w = previous
			c.mu.Unlock()
		})
	}
}

// LimitWriter wraps w and silently discards everything past limit bytes.
// A limit <= 0 means unlimited.
func LimitWriter(w io.Writer, limit int) io.Writer {
	if limit <= 0 {
		return w
	}
	return &limitedWriter{w: w, remaining: limit}
}

type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
