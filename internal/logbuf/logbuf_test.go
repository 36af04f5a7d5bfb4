package logbuf

import (
	"strings"
	"testing"
)

func TestBufferAppendAssignsIDToStoredEntry(t *testing.T) {
	b := New(10)
	got := b.Append(Entry{Text: "hello", Level: LevelInfo, Source: SourceConsole})
	if got.ID != 1 {
		t.Fatalf("returned entry ID = %d, want 1", got.ID)
	}

	snap := b.SnapshotAfter(0, Filter{}, 0)
	if len(snap) != 1 {
		t.Fatalf("SnapshotAfter returned %d entries, want 1", len(snap))
	}
	if snap[0].ID != 1 {
		t.Fatalf("stored entry ID = %d, want 1 (id must survive into the ring, not just the return value)", snap[0].ID)
	}
}

func TestEntryTruncateCapsTextAndArgs(t *testing.T) {
	e := Entry{
		Text: strings.Repeat("a", maxTextBytes+500),
		Args: make([]string, maxArgs+5),
	}
	for i := range e.Args {
		e.Args[i] = strings.Repeat("b", maxTextBytes+10)
	}
	e.Truncate()

	if len(e.Text) != maxTextBytes {
		t.Fatalf("Text len = %d, want %d", len(e.Text), maxTextBytes)
	}
	if len(e.Args) != maxArgs {
		t.Fatalf("Args len = %d, want %d", len(e.Args), maxArgs)
	}
	for i, a := range e.Args {
		if len(a) != maxTextBytes {
			t.Fatalf("Args[%d] len = %d, want %d", i, len(a), maxTextBytes)
		}
	}
}

func TestFilterMatchesLevel(t *testing.T) {
	f := Filter{Levels: map[Level]bool{LevelError: true}}
	if !f.Matches(Entry{Level: LevelError}) {
		t.Fatal("expected error-level entry to match")
	}
	if f.Matches(Entry{Level: LevelInfo}) {
		t.Fatal("expected info-level entry not to match an error-only filter")
	}
}

func TestFilterMatchesTextCaseInsensitiveByDefault(t *testing.T) {
	f := Filter{Match: []string{"FAILURE"}}
	if !f.Matches(Entry{Text: "a failure occurred"}) {
		t.Fatal("expected case-insensitive substring match")
	}
}

func TestFilterMatchesTextCaseSensitive(t *testing.T) {
	f := Filter{Match: []string{"FAILURE"}, MatchCase: true}
	if f.Matches(Entry{Text: "a failure occurred"}) {
		t.Fatal("expected case-sensitive filter to reject a differently-cased match")
	}
	if !f.Matches(Entry{Text: "a FAILURE occurred"}) {
		t.Fatal("expected case-sensitive filter to accept an exact-case match")
	}
}

func TestFilterMatchesSource(t *testing.T) {
	f := Filter{Source: SourceException}
	if !f.Matches(Entry{Source: SourceException}) {
		t.Fatal("expected matching source to pass")
	}
	if f.Matches(Entry{Source: SourceConsole}) {
		t.Fatal("expected non-matching source to fail")
	}
}

func TestFilterMatchesSinceTS(t *testing.T) {
	f := Filter{SinceTS: 1000}
	if f.Matches(Entry{TS: 999}) {
		t.Fatal("expected entry older than SinceTS to fail")
	}
	if !f.Matches(Entry{TS: 1000}) {
		t.Fatal("expected entry at SinceTS to pass")
	}
}

func TestZeroFilterMatchesEverything(t *testing.T) {
	var f Filter
	if !f.Matches(Entry{Level: LevelDebug, Text: "anything", Source: SourceSystem}) {
		t.Fatal("zero-value filter should match every entry")
	}
}
