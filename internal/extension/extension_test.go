package extension

import (
	"testing"
	"time"

	"vproxy/internal/fxhash"
)

func TestParseSession(t *testing.T) {
	got := Parse("alice", "alice-session-x")
	want := fxhash.Hash64([]byte("alice-session-x"))
	if got.Kind != Session || got.Value != want {
		t.Fatalf("got %+v, want Session(%x)", got, want)
	}
}

func TestParseTTL(t *testing.T) {
	got := Parse("alice", "alice-ttl-30")
	if got.Kind != TTL || got.Value != 30 {
		t.Fatalf("got %+v, want TTL(30)", got)
	}
}

func TestParseRange(t *testing.T) {
	got := Parse("alice", "alice-range-x")
	want := fxhash.Hash64([]byte("x"))
	if got.Kind != Range || got.Value != want {
		t.Fatalf("got %+v, want Range(%x)", got, want)
	}
}

func TestParseWrongPrefix(t *testing.T) {
	got := Parse("alice", "bob-session-x")
	if got.Kind != None {
		t.Fatalf("got %+v, want None", got)
	}
}

func TestParseMalformedTTL(t *testing.T) {
	got := Parse("alice", "alice-ttl-nope")
	if got.Kind != None {
		t.Fatalf("got %+v, want None", got)
	}
}

func TestParseNoTag(t *testing.T) {
	got := Parse("alice", "alice")
	if got.Kind != None {
		t.Fatalf("got %+v, want None", got)
	}
}

func TestTTLBoundaryStableWithinWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	a := TTLBoundary(30, base)
	b := TTLBoundary(30, base.Add(5*time.Second))
	if a != b {
		t.Fatalf("boundary changed within the same window")
	}
}

func TestTTLBoundaryChangesAcrossWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	a := TTLBoundary(30, base)
	b := TTLBoundary(30, base.Add(31*time.Second))
	if a == b {
		t.Fatalf("boundary did not change across a window")
	}
}
