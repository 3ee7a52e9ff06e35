// Package listener runs the shared accept loop used by every protocol
// server (HTTP(S), SOCKS5) and the top-level Dispatcher that supervises them
// all under one cancellable context.
package listener

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"vproxy/internal/logx"
)

// Server is satisfied by every protocol server the Dispatcher supervises.
type Server interface {
	Serve(ctx context.Context) error
	Addr() string
}

const acceptRetryDelay = 50 * time.Millisecond

// Run binds network/addr (optionally TLS-wrapped), caps concurrent
// connections at maxConns with netutil.LimitListener, and hands every
// accepted connection to handle on its own goroutine. Accept errors never
// stop the loop: it retries after acceptRetryDelay, and only the first
// accept error of each Run is logged. Run only returns once ctx is cancelled
// (which closes the listener) and every handler has returned.
func Run(ctx context.Context, network, addr string, maxConns int, log *logx.Logger, tlsCfg *tls.Config, handle func(context.Context, net.Conn)) error {
	var ln net.Listener
	var err error
	if tlsCfg != nil {
		ln, err = tls.Listen(network, addr, tlsCfg)
	} else {
		ln, err = net.Listen(network, addr)
	}
	if err != nil {
		return err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var throttle rate.Sometimes
	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			throttle.Do(func() {
				if log != nil {
					log.Warnf("accept error on %s: %v (retrying)", addr, err)
				}
			})
			time.Sleep(acceptRetryDelay)
			continue
		}
		g.Go(func() error {
			handle(gctx, conn)
			return nil
		})
	}
	return g.Wait()
}

// Dispatcher owns the root context for every protocol server configured for
// this process and supervises their Serve goroutines together: cancelling
// the Dispatcher's context stops all of them, and Run waits for every one to
// return before it returns.
type Dispatcher struct {
	servers []Server
	log     *logx.Logger
}

func NewDispatcher(log *logx.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

func (d *Dispatcher) Add(s Server) {
	d.servers = append(d.servers, s)
}

// Run starts every registered server and blocks until all of them have
// returned. Cancelling ctx, or one server failing, stops the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.servers {
		s := s
		g.Go(func() error {
			if d.log != nil {
				d.log.Infof("listening on %s", s.Addr())
			}
			err := s.Serve(gctx)
			if err != nil && gctx.Err() == nil && d.log != nil {
				d.log.Errorf("server on %s stopped: %v", s.Addr(), err)
			}
			return err
		})
	}
	return g.Wait()
}
