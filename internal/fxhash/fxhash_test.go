package fxhash

import "testing"

func TestHash64Deterministic(t *testing.T) {
	a := Hash64([]byte("alice-session-7"))
	b := Hash64([]byte("alice-session-7"))
	if a != b {
		t.Fatalf("hash not stable: %x != %x", a, b)
	}
}

func TestHash64Distinguishes(t *testing.T) {
	a := Hash64([]byte("alice-session-7"))
	b := Hash64([]byte("alice-session-9"))
	if a == b {
		t.Fatalf("distinct inputs hashed to the same value")
	}
}

func TestHash64EmptyInput(t *testing.T) {
	if Hash64(nil) != Hash64([]byte{}) {
		t.Fatalf("nil and empty slice should hash identically")
	}
}

func TestHash64Lengths(t *testing.T) {
	// exercise every tail branch: 0,1,2,3,4,5,6,7 trailing bytes
	for n := 0; n < 16; n++ {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(i + 1)
		}
		_ = Hash64(buf)
	}
}
