// Package logbuf keeps recent log records in memory so the API can serve
// them, optionally scoped to one pipeline.
package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// PipelineKey is the attribute that scopes a record to a pipeline.
const PipelineKey = "pipeline"

// Entry is one captured log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Pipeline string         `json:"pipeline,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries in Query. The zero Filter matches every entry at
// info level or above.
type Filter struct {
	Since    time.Time
	MinLevel slog.Level
	Pipeline string
	Limit    int // newest entries kept when exceeded
}

func (f Filter) match(r record) bool {
	return r.level >= f.MinLevel &&
		(f.Since.IsZero() || !r.Time.Before(f.Since)) &&
		(f.Pipeline == "" || r.Pipeline == f.Pipeline)
}

type record struct {
	Entry
	level slog.Level
}

// Buffer holds the most recent entries up to a fixed capacity.
type Buffer struct {
	mu   sync.Mutex
	ring []record
	next int  // slot the next write goes to
	full bool // ring has wrapped at least once
}

// New creates a buffer holding up to size entries.
func New(size int) *Buffer {
	return &Buffer{ring: make([]record, max(size, 1))}
}

// Write stores e, dropping the oldest entry when the buffer is full.
func (b *Buffer) Write(e Entry) {
	b.add(record{Entry: e, level: ParseLevel(e.Level)})
}

func (b *Buffer) add(r record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = r
	b.next++
	if b.next == len(b.ring) {
		b.next, b.full = 0, true
	}
}

// Query returns entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := b.ring[:b.next]
	if b.full {
		ordered = append(append([]record(nil), b.ring[b.next:]...), b.ring[:b.next]...)
	}
	var out []Entry
	for _, r := range ordered {
		if f.match(r) {
			out = append(out, r.Entry)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ParseLevel converts a level name in any case, such as "warn" or
// "ERROR", to a slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
