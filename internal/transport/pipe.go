// Package transport implements the bidirectional byte-stream relay shared by
// the HTTP CONNECT tunnel and the SOCKS5 CONNECT/BIND handlers.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const nudgeCloseDelay = 200 * time.Millisecond

func enableTCPKeepAlive(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	_ = tc.SetNoDelay(true)
}

// deadlineWriter pushes the write deadline 30s ahead before every write so a
// write to a peer that has stopped reading fails instead of blocking forever.
type deadlineWriter struct {
	net.Conn
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	_ = w.Conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return w.Conn.Write(p)
}

// countingWriter tallies bytes written to an *atomic.Int64 counter. A nil
// counter makes it a plain pass-through, so callers that don't care about
// traffic accounting can pass nil.
type countingWriter struct {
	io.Writer
	counter *atomic.Int64
}

func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if w.counter != nil && n > 0 {
		w.counter.Add(int64(n))
	}
	return n, err
}

// closeWriteIfTCP half-closes the write side of c if it supports it, so the
// peer observes EOF without the whole connection being torn down.
func closeWriteIfTCP(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// nudge bumps c's read/write deadlines into the past so a blocked I/O call on
// it returns promptly.
func nudge(c net.Conn) {
	_ = c.SetDeadline(time.Now())
}

// Pipe copies bytes bidirectionally between left and right until both
// directions have reached EOF or errored, or ctx is cancelled. Both
// connections are closed before Pipe returns; a caller's own Close afterwards
// is harmless.
//
// leftToRight and rightToLeft, if non-nil, accumulate the byte counts copied
// in each direction, letting callers feed a shared traffic counter without
// wrapping left/right themselves (which would hide their concrete
// *net.TCPConn type from enableTCPKeepAlive/closeWriteIfTCP above).
func Pipe(ctx context.Context, left, right net.Conn, leftToRight, rightToLeft *atomic.Int64) {
	enableTCPKeepAlive(left)
	enableTCPKeepAlive(right)

	lw := deadlineWriter{left}
	rw := deadlineWriter{right}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			nudge(left)
			nudge(right)
			select {
			case <-done:
			case <-time.After(nudgeCloseDelay):
				_ = left.Close()
				_ = right.Close()
			}
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(countingWriter{rw, leftToRight}, left)
		closeWriteIfTCP(right)
		nudge(left)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(countingWriter{lw, rightToLeft}, right)
		closeWriteIfTCP(left)
		nudge(right)
	}()
	wg.Wait()
	close(done)

	_ = left.Close()
	_ = right.Close()
}
