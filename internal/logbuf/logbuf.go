// Package logbuf wires the generic ring buffer to Argus's log entry
// shape and console/exception/system filter semantics.
package logbuf

import (
	"strings"
	"time"

	"github.com/vforsh/argus/internal/buffers"
)

// Level is a log severity as mapped from CDP Runtime/Log events.
type Level string

const (
	LevelLog       Level = "log"
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelError     Level = "error"
	LevelDebug     Level = "debug"
	LevelException Level = "exception"
)

// Source identifies which CDP domain produced an entry.
type Source string

const (
	SourceConsole   Source = "console"
	SourceException Source = "exception"
	SourceSystem    Source = "system"
)

// maxTextBytes and maxArgs enforce the per-field truncation that
// Buffer.Append applies (via Entry.Truncate) before an entry is stored
// (spec: 16 KiB per text field, 32 args entries).
const (
	maxTextBytes = 16 * 1024
	maxArgs      = 32
)

// Entry is one log/console/exception event.
type Entry struct {
	ID        uint64   `json:"id"`
	TS        int64    `json:"ts"`
	Level     Level    `json:"level"`
	Text      string   `json:"text"`
	Args      []string `json:"args,omitempty"`
	File      string   `json:"file,omitempty"`
	Line      int      `json:"line,omitempty"`
	Column    int      `json:"column,omitempty"`
	PageURL   string   `json:"pageUrl,omitempty"`
	PageTitle string   `json:"pageTitle,omitempty"`
	Source    Source   `json:"source"`
}

// Truncate enforces the field-size caps in place.
func (e *Entry) Truncate() {
	e.Text = truncateString(e.Text, maxTextBytes)
	if len(e.Args) > maxArgs {
		e.Args = e.Args[:maxArgs]
	}
	for i, a := range e.Args {
		e.Args[i] = truncateString(a, maxTextBytes)
	}
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Filter selects which entries a snapshot or tail call is interested
// in. A zero Filter matches everything.
type Filter struct {
	Levels    map[Level]bool
	Match     []string
	MatchCase bool // true = case-sensitive
	Source    Source
	SinceTS   int64
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e Entry) bool {
	if len(f.Levels) > 0 && !f.Levels[e.Level] {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.SinceTS > 0 && e.TS < f.SinceTS {
		return false
	}
	if len(f.Match) > 0 {
		haystack := e.Text
		if !f.MatchCase {
			haystack = strings.ToLower(haystack)
		}
		matched := false
		for _, m := range f.Match {
			needle := m
			if !f.MatchCase {
				needle = strings.ToLower(needle)
			}
			if strings.Contains(haystack, needle) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Buffer is a ring buffer specialised for log entries.
type Buffer struct {
	ring *buffers.RingBuffer[Entry]
}

// DefaultCapacity is the default log ring capacity (spec default).
const DefaultCapacity = 5000

// New creates a log Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{ring: buffers.New[Entry](capacity)}
}

// Append assigns the entry's id, stores it, and wakes matching waiters.
func (b *Buffer) Append(e Entry) Entry {
	e.Truncate()
	b.ring.AppendFunc(func(id uint64) Entry {
		e.ID = id
		return e
	})
	return e
}

// SnapshotAfter returns up to limit entries after cursor matching f.
func (b *Buffer) SnapshotAfter(cursor uint64, f Filter, limit int) []Entry {
	return b.ring.SnapshotAfter(cursor, f.Matches, limit)
}

// WaitForAfter long-polls for entries after cursor matching f.
func (b *Buffer) WaitForAfter(cursor uint64, f Filter, limit int, timeout time.Duration, cancel <-chan struct{}) buffers.WaitResult[Entry] {
	return b.ring.WaitForAfter(cursor, f.Matches, limit, timeout, cancel)
}

// LastID returns the highest id appended so far.
func (b *Buffer) LastID() uint64 { return b.ring.LastID() }
