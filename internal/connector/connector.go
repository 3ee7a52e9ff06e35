// Package connector creates outbound sockets bound to a source address
// chosen by the configured CIDR block and the caller's Extension, applying
// the fallback/retry policy described in the dispatcher's configuration.
package connector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"vproxy/internal/alloc"
	"vproxy/internal/extension"
	"vproxy/internal/logx"
)

// Config is the immutable, process-wide outbound binding configuration.
// Built once at startup and shared read-only by every Connector call.
type Config struct {
	CIDR           netip.Prefix // zero value: no CIDR configured
	SubRangeLen    *int         // only consulted for Extension Range
	Fallback       netip.Addr   // zero value: no fallback configured
	ConnectTimeout time.Duration
}

func (c Config) hasCIDR() bool     { return c.CIDR.IsValid() }
func (c Config) hasFallback() bool { return c.Fallback.IsValid() }

// Connector is a thin, stateless wrapper around Config; all its methods are
// safe for concurrent use.
type Connector struct {
	cfg Config
	log *logx.Logger
}

// New builds a Connector over cfg. log may be nil.
func New(cfg Config, log *logx.Logger) *Connector {
	return &Connector{cfg: cfg, log: log}
}

func selectorFor(ext extension.Extension) (selector *uint64, subRange *int, ok bool) {
	switch ext.Kind {
	case extension.Session:
		v := ext.Value
		return &v, nil, true
	case extension.TTL:
		v := extension.TTLBoundary(ext.Value, time.Now())
		return &v, nil, true
	case extension.Range:
		v := ext.Value
		return &v, nil, true // subRange is filled in by the caller, which knows cfg.SubRangeLen
	default:
		return nil, nil, false
	}
}

// bindAddr implements the bind-policy table: CIDR x fallback presence
// determines the primary bind address and whether a retry with a different
// address should be attempted on connect failure.
func (c *Connector) bindAddr(ext extension.Extension, family int) (primary netip.Addr, hasPrimary bool, retry netip.Addr, hasRetry bool) {
	switch {
	case !c.cfg.hasCIDR() && !c.cfg.hasFallback():
		return netip.Addr{}, false, netip.Addr{}, false

	case !c.cfg.hasCIDR() && c.cfg.hasFallback():
		return c.cfg.Fallback, true, netip.Addr{}, false

	case c.cfg.hasCIDR() && !c.cfg.hasFallback():
		a, ok := c.alloc(ext, family)
		return a, ok, netip.Addr{}, false

	default: // CIDR + fallback
		a, ok := c.alloc(ext, family)
		if !ok {
			return c.cfg.Fallback, true, netip.Addr{}, false
		}
		return a, true, c.cfg.Fallback, true
	}
}

func (c *Connector) alloc(ext extension.Extension, family int) (netip.Addr, bool) {
	if !c.cfg.hasCIDR() {
		return netip.Addr{}, false
	}
	cidrIsV4 := c.cfg.CIDR.Addr().Is4()
	wantV4 := family == 4
	if cidrIsV4 != wantV4 {
		return netip.Addr{}, false
	}
	selector, _, _ := selectorFor(ext)
	var subRange *int
	if ext.Kind == extension.Range {
		subRange = c.cfg.SubRangeLen
	}
	var addr netip.Addr
	var err error
	if cidrIsV4 {
		addr, err = alloc.AllocIPv4(c.cfg.CIDR, subRange, selector)
	} else {
		addr, err = alloc.AllocIPv6(c.cfg.CIDR, subRange, selector)
	}
	if err != nil {
		if c.log != nil {
			c.log.Warnf("connector: allocation failed: %v", err)
		}
		return netip.Addr{}, false
	}
	return addr, true
}

func familyOf(addr netip.Addr) int {
	if addr.Is4() {
		return 4
	}
	return 6
}

func dialerFor(bindAddr netip.Addr, hasBind bool, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if hasBind {
		d.LocalAddr = &net.TCPAddr{IP: bindAddr.AsSlice()}
	}
	return d
}

// TCPConnect dials target, binding the local socket per the policy table.
func (c *Connector) TCPConnect(ctx context.Context, target netip.AddrPort, ext extension.Extension) (net.Conn, error) {
	family := familyOf(target.Addr())
	primary, hasPrimary, retry, hasRetry := c.bindAddr(ext, family)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := dialerFor(primary, hasPrimary, c.cfg.ConnectTimeout).DialContext(dctx, "tcp", target.String())
	if err == nil {
		if c.log != nil {
			c.log.Infof("tcp_connect %s -> %s (local %s)", localLabel(primary, hasPrimary), target, "n/a")
		}
		return conn, nil
	}
	if !hasRetry {
		return nil, err
	}
	dctx2, cancel2 := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel2()
	return dialerFor(retry, hasRetry, c.cfg.ConnectTimeout).DialContext(dctx2, "tcp", target.String())
}

func localLabel(a netip.Addr, ok bool) string {
	if !ok {
		return "os-default"
	}
	return a.String()
}

// TCPConnectAuthority resolves hostport (a "host:port" string, host may be a
// literal IP or a domain) and connects to the first address that succeeds.
func (c *Connector) TCPConnectAuthority(ctx context.Context, hostport string, ext extension.Extension) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	return c.TCPConnectDomain(ctx, host, portStr, ext)
}

// TCPConnectDomain resolves host (literal IP or domain name) and connects on
// port, trying every resolved address in order and returning the first
// success, or the last error if all fail.
func (c *Connector) TCPConnectDomain(ctx context.Context, host, port string, ext extension.Extension) (net.Conn, error) {
	if addr, perr := netip.ParseAddr(host); perr == nil {
		p, perr2 := parsePort(port)
		if perr2 != nil {
			return nil, perr2
		}
		return c.TCPConnect(ctx, netip.AddrPortFrom(addr, p), ext)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(rctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("connector: %w", net.ErrClosed)
	}
	p, perr := parsePort(port)
	if perr != nil {
		return nil, perr
	}

	var lastErr error
	for _, ip := range ips {
		a, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		conn, err := c.TCPConnect(ctx, netip.AddrPortFrom(a.Unmap(), p), ext)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("connector: no usable address for %s", host)
	}
	return nil, lastErr
}

func parsePort(s string) (uint16, error) {
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, err
	}
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("connector: invalid port %q", s)
	}
	return uint16(p), nil
}

// TCPBindListener binds a TCP listener for SOCKS5 BIND, choosing the local
// address with the same policy table as outbound connects but substituting
// "default" with controlLocalIP (the BIND control channel's own local
// address) instead of the OS default.
func (c *Connector) TCPBindListener(ext extension.Extension, family int, controlLocalIP netip.Addr) (net.Listener, error) {
	primary, hasPrimary, _, _ := c.bindAddr(ext, family)
	bindIP := controlLocalIP
	if hasPrimary {
		bindIP = primary
	}
	return net.ListenTCP("tcp", &net.TCPAddr{IP: bindIP.AsSlice(), Port: 0})
}

// UDPBind binds a UDP socket to the selected source address on an ephemeral
// port. family is 4 or 6.
func (c *Connector) UDPBind(ext extension.Extension, family int) (*net.UDPConn, error) {
	primary, hasPrimary, _, _ := c.bindAddr(ext, family)
	var laddr *net.UDPAddr
	if hasPrimary {
		laddr = &net.UDPAddr{IP: primary.AsSlice(), Port: 0}
	} else if family == 6 {
		laddr = &net.UDPAddr{IP: net.IPv6zero, Port: 0}
	}
	network := "udp4"
	if family == 6 {
		network = "udp6"
	}
	return net.ListenUDP(network, laddr)
}

// UDPSendTo writes pkt to target over socket.
func (c *Connector) UDPSendTo(socket *net.UDPConn, pkt []byte, target *net.UDPAddr) (int, error) {
	return socket.WriteToUDP(pkt, target)
}

// UDPSendToDomain resolves host and sends pkt to host:port over socket.
func (c *Connector) UDPSendToDomain(ctx context.Context, socket *net.UDPConn, pkt []byte, host string, port int) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(rctx, host)
	if err != nil {
		return 0, err
	}
	if len(ips) == 0 {
		return 0, fmt.Errorf("connector: no address for %s", host)
	}
	return c.UDPSendTo(socket, pkt, &net.UDPAddr{IP: ips[0].IP, Port: port})
}

// HTTPRequest sends req through an http.Client whose Transport dials with
// the bind-policy-selected local address(es) and returns the response.
func (c *Connector) HTTPRequest(req *http.Request, ext extension.Extension) (*http.Response, error) {
	primary4, hasPrimary4, _, _ := c.bindAddr(ext, 4)
	primary6, hasPrimary6, _, _ := c.bindAddr(ext, 6)

	base := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return base.DialContext(ctx, network, addr)
			}
			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			lastErr := fmt.Errorf("connector: no address for %s", host)
			for _, ip := range ips {
				ip = ip.Unmap()
				d := *base
				if ip.Is4() && hasPrimary4 {
					d.LocalAddr = &net.TCPAddr{IP: primary4.AsSlice()}
				} else if ip.Is6() && hasPrimary6 {
					d.LocalAddr = &net.TCPAddr{IP: primary6.AsSlice()}
				}
				conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	client := &http.Client{Transport: transport, Timeout: 0}
	return client.Do(req)
}
