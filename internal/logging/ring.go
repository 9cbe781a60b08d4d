package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single buffered line before truncation.
	MaxLineLength = 4096

	// DefaultRingSize is how many recent records a Ring retains.
	DefaultRingSize = 256
)

// Ring retains the most recent log lines in memory so the admin listener
// can serve them without a log file. Wrap installs it as middleware in
// front of a real handler; every record is rendered to a single line and
// stored in a fixed-size circular buffer.
type Ring struct {
	mu     sync.Mutex
	buffer []string
	bufIdx int
}

// NewRing creates a ring holding up to size lines.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buffer: make([]string, size)}
}

// Wrap returns a handler that records every line in the ring before
// passing the record on to next.
func (r *Ring) Wrap(next slog.Handler) slog.Handler {
	return &ringHandler{ring: r, next: next}
}

func (r *Ring) add(line string) {
	// Truncate if too long
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	r.mu.Lock()
	r.buffer[r.bufIdx] = line
	r.bufIdx = (r.bufIdx + 1) % len(r.buffer)
	r.mu.Unlock()
}

// Recent returns up to n of the most recent lines, oldest first.
func (r *Ring) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buffer)
	if n > size {
		n = size
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (r.bufIdx - n + i + size) % size
		if r.buffer[idx] != "" {
			lines = append(lines, r.buffer[idx])
		}
	}

	return lines
}

// ringHandler tees rendered records into the ring. Attrs bound with
// WithAttrs are kept preformatted so they survive into every line.
type ringHandler struct {
	ring  *Ring
	next  slog.Handler
	attrs string
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	h.ring.add(renderLine(rec, h.attrs))
	return h.next.Handle(ctx, rec)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{
		ring:  h.ring,
		next:  h.next.WithAttrs(attrs),
		attrs: h.attrs + renderAttrs(attrs),
	}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened in the ring view
	return &ringHandler{ring: h.ring, next: h.next.WithGroup(name), attrs: h.attrs}
}

// renderLine formats one record as "15:04:05.000 LEVEL message k=v".
func renderLine(rec slog.Record, preAttrs string) string {
	var b strings.Builder
	b.WriteString(rec.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(rec.Level.String())
	b.WriteByte(' ')
	b.WriteString(rec.Message)
	b.WriteString(preAttrs)
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	return b.String()
}

func renderAttrs(attrs []slog.Attr) string {
	var b strings.Builder
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	return b.String()
}
