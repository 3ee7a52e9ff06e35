// Package socks5 implements the SOCKS5 proxy server: RFC 1928 method
// negotiation, RFC 1929 username/password subnegotiation, and the CONNECT,
// BIND, and UDP ASSOCIATE commands.
package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
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

const (
	ver5 = 0x05

	methodNoAuth     = 0x00
	methodUserPass   = 0x02
	methodNoneAccept = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded           = 0x00
	repGeneralFailure      = 0x01
	repConnNotAllowed      = 0x02
	repNetworkUnreachable  = 0x03
	repHostUnreachable     = 0x04
	repConnRefused         = 0x05
	repTTLExpired          = 0x06
	repCommandNotSupported = 0x07
	repAddrTypeNotSupported = 0x08

	maxUDPDatagram = 1500 - 22 // 1500 minus the largest header buildUDPDatagram writes (IPv6 ATYP: 4+16+2 bytes)
)

// Server serves SOCKS5 connections on one listen address. BIND is always
// advertised and implemented (see the design-notes resolution of the
// original "advertise consistently" ambiguity).
type Server struct {
	addr           string
	policy         auth.Policy
	conn           *connector.Connector
	maxConns       int
	connectTimeout time.Duration
	counters       *metrics.Counters
	log            *logx.Logger
}

func NewServer(addr string, policy auth.Policy, conn *connector.Connector, maxConns int, connectTimeout time.Duration, counters *metrics.Counters, log *logx.Logger) *Server {
	return &Server{addr: addr, policy: policy, conn: conn, maxConns: maxConns, connectTimeout: connectTimeout, counters: counters, log: log}
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Serve(ctx context.Context) error {
	return listener.Run(ctx, "tcp", s.addr, s.maxConns, s.log, nil, s.handleConn)
}

// target is a resolved-or-unresolved SOCKS5 request address.
type target struct {
	domain string // set when ATYP was domain name
	ip     net.IP // set when ATYP was IPv4/IPv6
	port   int
}

func (t target) hostport() string {
	if t.domain != "" {
		return net.JoinHostPort(t.domain, strconv.Itoa(t.port))
	}
	return net.JoinHostPort(t.ip.String(), strconv.Itoa(t.port))
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	if s.counters != nil {
		s.counters.SOCKS5Conns.Add(1)
	}
	br := bufio.NewReader(c)

	ext, ok := s.negotiate(c, br)
	if !ok {
		return
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil || hdr[0] != ver5 {
		return
	}
	cmd, atyp := hdr[1], hdr[3]

	tgt, err := readAddr(br, atyp)
	if err != nil {
		_ = replySocks5(c, repAddrTypeNotSupported, net.IPv4zero, 0)
		return
	}

	switch cmd {
	case cmdConnect:
		s.handleConnect(ctx, c, tgt, ext)
	case cmdUDPAssociate:
		s.handleUDPAssociate(ctx, c, ext)
	case cmdBind:
		s.handleBind(ctx, c, tgt, ext)
	default:
		_ = replySocks5(c, repCommandNotSupported, net.IPv4zero, 0)
	}
}

func (s *Server) negotiate(c net.Conn, br *bufio.Reader) (extension.Extension, bool) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil || hdr[0] != ver5 {
		return extension.Extension{}, false
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(br, methods); err != nil {
		return extension.Extension{}, false
	}

	wantAuth := s.policy.Enabled()
	selected := byte(methodNoneAccept)
	for _, m := range methods {
		if wantAuth && m == methodUserPass {
			selected = methodUserPass
			break
		}
		if !wantAuth && m == methodNoAuth {
			selected = methodNoAuth
			break
		}
	}
	if _, err := c.Write([]byte{ver5, selected}); err != nil {
		return extension.Extension{}, false
	}
	if selected == methodNoneAccept {
		return extension.Extension{}, false
	}
	if selected == methodNoAuth {
		return extension.Extension{Kind: extension.None}, true
	}

	subHdr := make([]byte, 2)
	if _, err := io.ReadFull(br, subHdr); err != nil {
		return extension.Extension{}, false
	}
	subVer, ulen := subHdr[0], subHdr[1]
	ub := make([]byte, ulen)
	if _, err := io.ReadFull(br, ub); err != nil {
		return extension.Extension{}, false
	}
	plenb := make([]byte, 1)
	if _, err := io.ReadFull(br, plenb); err != nil {
		return extension.Extension{}, false
	}
	pb := make([]byte, plenb[0])
	if _, err := io.ReadFull(br, pb); err != nil {
		return extension.Extension{}, false
	}

	outcome := s.policy.Authenticate(true, string(ub), string(pb))
	if outcome.Reason != auth.OK {
		_, _ = c.Write([]byte{subVer, 0x01})
		return extension.Extension{}, false
	}
	if _, err := c.Write([]byte{subVer, 0x00}); err != nil {
		return extension.Extension{}, false
	}
	return outcome.Extension, true
}

func readAddr(br *bufio.Reader, atyp byte) (target, error) {
	var t target
	switch atyp {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(br, b); err != nil {
			return t, err
		}
		t.ip = net.IP(b)
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(br, b); err != nil {
			return t, err
		}
		t.ip = net.IP(b)
	case atypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(br, l); err != nil {
			return t, err
		}
		b := make([]byte, l[0])
		if _, err := io.ReadFull(br, b); err != nil {
			return t, err
		}
		t.domain = string(b)
	default:
		return t, fmt.Errorf("socks5: unsupported ATYP %d", atyp)
	}
	p := make([]byte, 2)
	if _, err := io.ReadFull(br, p); err != nil {
		return t, err
	}
	t.port = int(binary.BigEndian.Uint16(p))
	return t, nil
}

func replySocks5(c net.Conn, rep byte, ip net.IP, port int) error {
	atyp := byte(atypIPv4)
	addr := ip.To4()
	if addr == nil {
		atyp = atypIPv6
		addr = ip.To16()
	}
	buf := make([]byte, 0, 4+len(addr)+2)
	buf = append(buf, ver5, rep, 0x00, atyp)
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(port))
	_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, err := c.Write(buf)
	return err
}

func (s *Server) handleConnect(ctx context.Context, c net.Conn, tgt target, ext extension.Extension) {
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	var up net.Conn
	var err error
	if tgt.domain != "" {
		up, err = s.conn.TCPConnectDomain(cctx, tgt.domain, strconv.Itoa(tgt.port), ext)
	} else {
		addr, ok := netip.AddrFromSlice(tgt.ip)
		if !ok {
			_ = replySocks5(c, repGeneralFailure, net.IPv4zero, 0)
			return
		}
		up, err = s.conn.TCPConnect(cctx, netip.AddrPortFrom(addr.Unmap(), uint16(tgt.port)), ext)
	}
	if err != nil {
		if s.log != nil {
			s.log.Debugf("socks5 CONNECT upstream failed %s: %v", tgt.hostport(), err)
		}
		_ = replySocks5(c, repHostUnreachable, net.IPv4zero, 0)
		return
	}
	defer up.Close()

	if err := replySocks5(c, repSucceeded, net.IPv4zero, 0); err != nil {
		return
	}
	var out, in *atomic.Int64
	if s.counters != nil {
		out, in = &s.counters.BytesOut, &s.counters.BytesIn
	}
	transport.Pipe(ctx, c, up, out, in)
}

func (s *Server) handleBind(ctx context.Context, c net.Conn, tgt target, ext extension.Extension) {
	localAddr, _ := netip.ParseAddrPort(c.LocalAddr().String())
	family := 4
	if localAddr.Addr().Is6() {
		family = 6
	}
	ln, err := s.conn.TCPBindListener(ext, family, localAddr.Addr())
	if err != nil {
		_ = replySocks5(c, repGeneralFailure, net.IPv4zero, 0)
		return
	}
	defer ln.Close()

	boundAddr := ln.Addr().(*net.TCPAddr)
	if err := replySocks5(c, repSucceeded, boundAddr.IP, boundAddr.Port); err != nil {
		return
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	peer, err := ln.Accept()
	if err != nil {
		return
	}
	defer peer.Close()

	peerAddr := peer.RemoteAddr().(*net.TCPAddr)
	if err := replySocks5(c, repSucceeded, peerAddr.IP, peerAddr.Port); err != nil {
		return
	}
	var out, in *atomic.Int64
	if s.counters != nil {
		out, in = &s.counters.BytesOut, &s.counters.BytesIn
	}
	transport.Pipe(ctx, c, peer, out, in)
}

// udpAssociation holds the two sockets and shared incoming-peer cell a UDP
// ASSOCIATE session relays through.
type udpAssociation struct {
	relay    *net.UDPConn // client talks to this one
	dispatch *net.UDPConn // proxy talks to remote hosts from this one, source-address selected
	mu       sync.RWMutex
	lastPeer *net.UDPAddr
}

func (u *udpAssociation) setPeer(a *net.UDPAddr) {
	u.mu.Lock()
	u.lastPeer = a
	u.mu.Unlock()
}

func (u *udpAssociation) peer() *net.UDPAddr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastPeer
}

func (s *Server) handleUDPAssociate(ctx context.Context, c net.Conn, ext extension.Extension) {
	localAddr, _ := netip.ParseAddrPort(c.LocalAddr().String())
	relay, err := net.ListenUDP(udpNetwork(localAddr.Addr()), &net.UDPAddr{IP: localAddr.Addr().AsSlice(), Port: 0})
	if err != nil {
		_ = replySocks5(c, repGeneralFailure, net.IPv4zero, 0)
		return
	}
	defer relay.Close()

	family := 4
	if localAddr.Addr().Is6() {
		family = 6
	}
	dispatch, err := s.conn.UDPBind(ext, family)
	if err != nil {
		_ = replySocks5(c, repGeneralFailure, net.IPv4zero, 0)
		return
	}
	defer dispatch.Close()

	boundAddr := relay.LocalAddr().(*net.UDPAddr)
	if err := replySocks5(c, repSucceeded, boundAddr.IP, boundAddr.Port); err != nil {
		return
	}

	assoc := &udpAssociation{relay: relay, dispatch: dispatch}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.udpClientToRemote(actx, assoc)
	go s.udpRemoteToClient(actx, assoc)

	// Control channel stays open for the life of the association; once the
	// client closes it (or it errors) the association is torn down.
	buf := make([]byte, 1)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func udpNetwork(a netip.Addr) string {
	if a.Is6() {
		return "udp6"
	}
	return "udp4"
}

func (s *Server) udpClientToRemote(ctx context.Context, a *udpAssociation) {
	buf := make([]byte, maxUDPDatagram+64)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = a.relay.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, clientAddr, err := a.relay.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		frag, dstHost, dstPort, payload, err := parseUDPDatagram(buf[:n])
		if err != nil {
			continue
		}
		if frag != 0 {
			continue // fragmented datagrams are unsupported and dropped
		}
		a.setPeer(clientAddr)

		if ip := net.ParseIP(dstHost); ip != nil {
			_, _ = a.dispatch.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: dstPort})
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ips, err := net.DefaultResolver.LookupIPAddr(rctx, dstHost)
		cancel()
		if err != nil || len(ips) == 0 {
			continue
		}
		_, _ = a.dispatch.WriteToUDP(payload, &net.UDPAddr{IP: ips[0].IP, Port: dstPort})
	}
}

func (s *Server) udpRemoteToClient(ctx context.Context, a *udpAssociation) {
	buf := make([]byte, maxUDPDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = a.dispatch.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, remoteAddr, err := a.dispatch.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		peer := a.peer()
		if peer == nil {
			continue
		}
		dgram := buildUDPDatagram(remoteAddr.IP, remoteAddr.Port, buf[:n])
		_, _ = a.relay.WriteToUDP(dgram, peer)
	}
}

// parseUDPDatagram splits a SOCKS5 UDP datagram into its fragment number,
// destination host/port, and payload.
func parseUDPDatagram(b []byte) (frag byte, host string, port int, payload []byte, err error) {
	if len(b) < 4 {
		return 0, "", 0, nil, fmt.Errorf("socks5: short udp datagram")
	}
	frag = b[2]
	atyp := b[3]
	b = b[4:]
	switch atyp {
	case atypIPv4:
		if len(b) < 4+2 {
			return 0, "", 0, nil, fmt.Errorf("socks5: short ipv4 datagram")
		}
		host = net.IP(b[:4]).String()
		port = int(binary.BigEndian.Uint16(b[4:6]))
		payload = b[6:]
	case atypIPv6:
		if len(b) < 16+2 {
			return 0, "", 0, nil, fmt.Errorf("socks5: short ipv6 datagram")
		}
		host = net.IP(b[:16]).String()
		port = int(binary.BigEndian.Uint16(b[16:18]))
		payload = b[18:]
	case atypDomain:
		if len(b) < 1 {
			return 0, "", 0, nil, fmt.Errorf("socks5: short domain datagram")
		}
		l := int(b[0])
		b = b[1:]
		if len(b) < l+2 {
			return 0, "", 0, nil, fmt.Errorf("socks5: short domain datagram")
		}
		host = string(b[:l])
		port = int(binary.BigEndian.Uint16(b[l : l+2]))
		payload = b[l+2:]
	default:
		return 0, "", 0, nil, fmt.Errorf("socks5: unsupported ATYP %d", atyp)
	}
	return frag, host, port, payload, nil
}

// buildUDPDatagram wraps payload with a SOCKS5 UDP header addressing ip:port.
func buildUDPDatagram(ip net.IP, port int, payload []byte) []byte {
	atyp := byte(atypIPv4)
	addr := ip.To4()
	if addr == nil {
		atyp = atypIPv6
		addr = ip.To16()
	}
	buf := make([]byte, 0, 4+len(addr)+2+len(payload))
	buf = append(buf, 0x00, 0x00, 0x00, atyp)
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(port))
	buf = append(buf, payload...)
	return buf
}
