package transport

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestPipeCopiesBothDirections(t *testing.T) {
	la, lb := net.Pipe()
	ra, rb := net.Pipe()

	var out, in atomic.Int64
	done := make(chan struct{})
	go func() {
		Pipe(context.Background(), lb, rb, &out, &in)
		close(done)
	}()

	go func() {
		_, _ = la.Write([]byte("hello"))
		if cw, ok := la.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	buf := make([]byte, 5)
	_ = ra.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(ra, buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("left->right: n=%d err=%v buf=%q", n, err, buf)
	}

	go func() {
		_, _ = ra.Write([]byte("world"))
	}()
	_ = la.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = io.ReadFull(la, buf)
	if err != nil || n != 5 || string(buf) != "world" {
		t.Fatalf("right->left: n=%d err=%v buf=%q", n, err, buf)
	}

	_ = la.Close()
	_ = ra.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after both sides closed")
	}

	if out.Load() != 5 || in.Load() != 5 {
		t.Fatalf("byte counters: out=%d in=%d, want 5/5", out.Load(), in.Load())
	}
}

func TestPipeCancelContext(t *testing.T) {
	la, lb := net.Pipe()
	ra, rb := net.Pipe()
	defer la.Close()
	defer ra.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pipe(ctx, lb, rb, nil, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after context cancellation")
	}
}
