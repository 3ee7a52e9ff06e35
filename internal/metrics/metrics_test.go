package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.HTTPConns.Add(3)
	c.SOCKS5Conns.Add(1)
	c.BytesIn.Add(100)
	c.BytesOut.Add(42)

	s := c.Snapshot()
	if s.HTTPConns != 3 || s.SOCKS5Conns != 1 || s.BytesIn != 100 || s.BytesOut != 42 {
		t.Fatalf("got %+v", s)
	}
}

func TestSnapshotVitalsPopulatesStaticFields(t *testing.T) {
	v := SnapshotVitals()
	if v.GoVersion == "" || v.Arch == "" {
		t.Fatalf("expected runtime fields populated, got %+v", v)
	}
}

func TestExporterNilWriteIsNoop(t *testing.T) {
	e := NewExporter(nil, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	e.Run(ctx, &Counters{})
}

func TestExporterCallsWriteOnTick(t *testing.T) {
	calls := make(chan struct{}, 4)
	e := NewExporter(func(s Snapshot, v Vitals) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return errors.New("export unavailable")
	}, 2*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	e.Run(ctx, &Counters{})

	select {
	case <-calls:
	default:
		t.Fatal("expected at least one export tick")
	}
}
