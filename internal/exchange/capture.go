package exchange

import (
	"context"
	"io"
	"sync"
	"unicode/utf8"
)

type captureKey struct{}

// Capture keeps the first bytes of a response body read through the
// transport, so decode failures can be reported with the payload that
// caused them.
type Capture struct {
	mu  sync.Mutex
	buf []byte
}

// WithCapture returns a context whose requests record their response body
// into the returned Capture. Each SDK call should get its own.
func WithCapture(ctx context.Context) (context.Context, *Capture) {
	c := &Capture{}
	return context.WithValue(ctx, captureKey{}, c), c
}

func captureFrom(ctx context.Context) *Capture {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(captureKey{}).(*Capture)
	return c
}

func (c *Capture) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := maxErrorBody - len(c.buf); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		c.buf = append(c.buf, p...)
	}
}

// Bytes returns a copy of what was captured, nil on a nil Capture.
func (c *Capture) Bytes() []byte {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	return append([]byte(nil), c.buf...)
}

type teeBody struct {
	io.ReadCloser
	capture *Capture
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.capture.write(p[:n])
	}
	return n, err
}

// Truncate shortens s to at most max bytes without splitting a rune and
// marks the cut with "...".
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
