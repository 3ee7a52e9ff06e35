// Package extension derives a per-connection address-selection hint from the
// username a client presents when authenticating. Proxy users encode one of
// three optional tags in the tail of their username, after the configured
// prefix: -session-<id>, -ttl-<seconds>, -range-<id>.
package extension

import (
	"strconv"
	"strings"
	"time"

	"vproxy/internal/fxhash"
	"vproxy/internal/wpool"
)

const (
	tagSession = "-session-"
	tagTTL     = "-ttl-"
	tagRange   = "-range-"
)

// Kind identifies which variant an Extension holds.
type Kind int

const (
	None Kind = iota
	TTL
	Range
	Session
)

// Extension is a closed, four-variant sum type. Exactly one of TTL/Range/
// Session carries a meaningful Value when Kind is that variant; Kind is
// always set.
type Extension struct {
	Kind  Kind
	Value uint64
}

var pool = wpool.New()

// Parse derives an Extension from prefix (the configured auth username) and
// full (the username the client actually presented). It never fails;
// unrecognized input yields Kind == None.
//
// Resolution order, first match wins: the session tag anywhere in the full
// presented username; then the ttl tag in the tail after the prefix; then the
// range tag in that same tail.
func Parse(prefix, full string) Extension {
	tail, ok := strings.CutPrefix(full, prefix)
	if !ok {
		return Extension{Kind: None}
	}

	if strings.Contains(full, tagSession) {
		return Extension{Kind: Session, Value: hashAsync(full)}
	}
	if _, rest, found := strings.Cut(tail, tagTTL); found {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return Extension{Kind: None}
		}
		return Extension{Kind: TTL, Value: n}
	}
	if _, rest, found := strings.Cut(tail, tagRange); found {
		return Extension{Kind: Range, Value: hashAsync(rest)}
	}
	return Extension{Kind: None}
}

// hashAsync offloads the hash computation to the worker pool when it has
// room, otherwise computes it inline. FxHash of a short username tag is cheap
// either way. TTLBoundary does not use the pool; it hashes inline.
func hashAsync(s string) uint64 {
	result := make(chan uint64, 1)
	job := func() { result <- fxhash.Hash64([]byte(s)) }
	if !pool.TrySubmit(job) {
		job()
	}
	return <-result
}

// TTLBoundary computes the selector for a TTL(n) Extension: the hash of the
// current Unix-second timestamp rounded down to the nearest n-second
// boundary. Two calls within the same window return the same value; crossing
// a boundary changes it.
func TTLBoundary(n uint64, now time.Time) uint64 {
	if n == 0 {
		n = 1
	}
	ts := uint64(now.Unix())
	boundary := ts - ts%n
	var be [8]byte
	for i := 0; i < 8; i++ {
		be[i] = byte(boundary >> (56 - 8*i))
	}
	return fxhash.Hash64(be[:])
}
