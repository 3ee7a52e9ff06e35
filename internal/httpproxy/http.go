// Package httpproxy implements the HTTP and HTTPS (TLS-terminated) forward
// proxy server: per-connection proxy authentication, CONNECT tunneling, and
// forwarded-request relaying.
package httpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"vproxy/internal/auth"
	"vproxy/internal/connector"
	"vproxy/internal/extension"
	"vproxy/internal/listener"
	"vproxy/internal/logx"
	"vproxy/internal/metrics"
	"vproxy/internal/transport"
)

// Server serves HTTP or HTTPS (when tlsCfg is non-nil) forward-proxy
// connections on one listen address.
type Server struct {
	addr           string
	tlsCfg         *tls.Config
	policy         auth.Policy
	conn           *connector.Connector
	maxConns       int
	connectTimeout time.Duration
	counters       *metrics.Counters
	log            *logx.Logger
}

func NewServer(addr string, tlsCfg *tls.Config, policy auth.Policy, conn *connector.Connector, maxConns int, connectTimeout time.Duration, counters *metrics.Counters, log *logx.Logger) *Server {
	return &Server{
		addr:           addr,
		tlsCfg:         tlsCfg,
		policy:         policy,
		conn:           conn,
		maxConns:       maxConns,
		connectTimeout: connectTimeout,
		counters:       counters,
		log:            log,
	}
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Serve(ctx context.Context) error {
	return listener.Run(ctx, "tcp", s.addr, s.maxConns, s.log, s.tlsCfg, s.handleConn)
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	if s.tlsCfg != nil {
		if tc, ok := c.(*tls.Conn); ok {
			hctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
			defer cancel()
			if err := tc.HandshakeContext(hctx); err != nil {
				if s.log != nil {
					s.log.Debugf("tls handshake failed from %s: %v", c.RemoteAddr(), err)
				}
				return
			}
		}
	}
	if s.counters != nil {
		if s.tlsCfg != nil {
			s.counters.HTTPSConns.Add(1)
		} else {
			s.counters.HTTPConns.Add(1)
		}
	}

	br := bufio.NewReaderSize(c, 32*1024)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	ext, ok := s.authenticate(c, req.Header)
	if !ok {
		return
	}

	if strings.EqualFold(req.Method, http.MethodConnect) {
		s.handleConnect(ctx, c, req, ext)
		return
	}
	s.handleForward(ctx, c, req, ext)
}

func (s *Server) authenticate(c net.Conn, h http.Header) (extension.Extension, bool) {
	if !s.policy.Enabled() {
		return extension.Extension{Kind: extension.None}, true
	}
	user, pass, present := parseProxyBasic(h.Get("Proxy-Authorization"))
	outcome := s.policy.Authenticate(present, user, pass)
	switch outcome.Reason {
	case auth.OK:
		return outcome.Extension, true
	case auth.AuthRequired:
		_ = writeRaw(c, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"Proxy\"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
		_ = c.Close()
		return extension.Extension{}, false
	default:
		writeAndClose(c, 403, "Forbidden", "")
		return extension.Extension{}, false
	}
}

// handleConnect replies 200 unconditionally before ever attempting the
// upstream dial, then upgrades the connection to a raw tunnel. A dial
// failure after the 200 has already gone out can only be logged and
// swallowed by closing the connection: there is no further opportunity to
// report a status code to the client.
func (s *Server) handleConnect(ctx context.Context, c net.Conn, req *http.Request, ext extension.Extension) {
	host, port, ok := splitHostPortDefault(req.RequestURI, 443)
	if !ok {
		writeAndClose(c, 400, "Bad Request", "CONNECT must be to a socket address")
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	if err := writeRaw(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	up, err := s.conn.TCPConnectAuthority(cctx, target, ext)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("CONNECT upstream dial failed %s: %v", target, err)
		}
		return
	}
	defer up.Close()

	var out, in *atomic.Int64
	if s.counters != nil {
		out, in = &s.counters.BytesOut, &s.counters.BytesIn
	}
	transport.Pipe(ctx, c, up, out, in)
}

// handleForward relays a non-CONNECT request through Connector.HTTPRequest,
// which dials the upstream with the bind-policy-selected source address,
// rather than hand-rolling a dial-and-relay.
func (s *Server) handleForward(ctx context.Context, c net.Conn, req *http.Request, ext extension.Extension) {
	if req.URL.Scheme == "" || req.URL.Host == "" {
		writeAndClose(c, 400, "Bad Request", "invalid absolute-form URL")
		return
	}
	stripProxyHeaders(req.Header)

	outReq := req.WithContext(ctx)
	outReq.RequestURI = ""
	if req.Body != nil && s.counters != nil {
		outReq.Body = countingReadCloser{req.Body, &s.counters.BytesOut}
	}

	res, err := s.conn.HTTPRequest(outReq, ext)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("forward request failed %s: %v", req.URL.Host, err)
		}
		writeAndClose(c, 502, "Bad Gateway", "upstream request failed")
		return
	}
	defer res.Body.Close()

	if s.counters != nil {
		res.Body = countingReadCloser{res.Body, &s.counters.BytesIn}
	}
	_ = c.SetWriteDeadline(time.Time{})
	_ = res.Write(c)
}

// countingReadCloser tallies bytes read from an underlying body into an
// *atomic.Int64, used to feed traffic counters for the one-shot
// request/response path that doesn't go through transport.Pipe.
type countingReadCloser struct {
	io.ReadCloser
	counter *atomic.Int64
}

func (r countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.counter.Add(int64(n))
	}
	return n, err
}

func stripProxyHeaders(h http.Header) {
	h.Del("Proxy-Authorization")
	h.Del("Proxy-Connection")
}

func parseProxyBasic(h string) (user, pass string, ok bool) {
	if h == "" || !strings.HasPrefix(strings.ToLower(h), "basic ") {
		return "", "", false
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[6:]))
	if err != nil {
		return "", "", false
	}
	up := strings.SplitN(string(dec), ":", 2)
	if len(up) != 2 {
		return "", "", false
	}
	return up[0], up[1], true
}

func splitHostPortDefault(hostport string, defaultPort int) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = ""
	}
	if host == "" {
		return "", 0, false
	}
	if portStr == "" {
		return host, defaultPort, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

func writeAndClose(c net.Conn, code int, text, body string) {
	_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, _ = fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\n%s",
		code, text, len(body), body)
	_ = c.Close()
}

func writeRaw(c net.Conn, s string) error {
	_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, err := io.WriteString(c, s)
	return err
}
