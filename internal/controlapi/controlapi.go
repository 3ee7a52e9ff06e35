// Package controlapi implements the loopback-only admin surface:
// JWT-bearer-authenticated status/log routes over gin, with a websocket
// log tail and a shutdown trigger.
package controlapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"vproxy/internal/logx"
	"vproxy/internal/metrics"
)

// render encodes v with goccy/go-json rather than gin's default
// encoding/json-backed c.JSON, and writes it as the response body.
func render(c *gin.Context, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", b)
}

// Claims is the JWT payload issued for the single bootstrap token; the
// control API has exactly one caller (the operator holding the token file),
// so there is no username/password login route or multi-user session
// model.
type Claims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// Server is the loopback control API. It is not Internet-facing: its Router
// is served by Serve over a listener from Listen, which rejects any
// non-loopback bind address.
type Server struct {
	secret    []byte
	counters  *metrics.Counters
	log       *logx.Logger
	logPath   string
	shutdown  func()
	startedAt time.Time
}

// New builds a Server. secret signs and verifies bearer tokens; logPath is
// tailed by /log/tail and streamed by /log/stream; shutdown is invoked by
// POST /shutdown.
func New(secret []byte, counters *metrics.Counters, log *logx.Logger, logPath string, shutdown func()) *Server {
	return &Server{
		secret:    secret,
		counters:  counters,
		log:       log,
		logPath:   logPath,
		shutdown:  shutdown,
		startedAt: time.Now(),
	}
}

// IssueToken mints the single long-lived bearer token for this process
// instance, written to the token file alongside the PID file.
func (s *Server) IssueToken(ttl time.Duration) (string, error) {
	now := time.Now()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	claims := Claims{
		Nonce: hex.EncodeToString(nonce),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// NewSecret returns a fresh 32-byte random signing secret for one daemon
// instance's control API tokens.
func NewSecret() ([]byte, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	return b, err
}

func (s *Server) parseToken(tok string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tok, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("controlapi: invalid token")
	}
	return c, nil
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		hdr := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			render(c, http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if _, err := s.parseToken(strings.TrimSpace(hdr[7:])); err != nil {
			render(c, http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Router builds the gin.Engine serving the control API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	admin := r.Group("/")
	admin.Use(s.authRequired())
	{
		admin.GET("/status", s.status)
		admin.GET("/log/tail", s.logTail)
		admin.POST("/shutdown", s.postShutdown)
	}
	// /log/stream authenticates its own query-string token: websocket
	// upgrade requests from browsers/CLI clients cannot set an Authorization
	// header during the handshake.
	r.GET("/log/stream", s.logStream)
	return r
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"started_at": s.startedAt.UnixMilli(),
		"vitals":     metrics.SnapshotVitals(),
	}
	if s.counters != nil {
		resp["counters"] = s.counters.Snapshot()
	}
	render(c, http.StatusOK, resp)
}

func (s *Server) logTail(c *gin.Context) {
	n := 200
	if v := c.Query("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	b, err := os.ReadFile(s.logPath)
	if err != nil {
		render(c, http.StatusOK, gin.H{"lines": []string{}})
		return
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	render(c, http.StatusOK, gin.H{"lines": lines})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // loopback-only surface
}

// logStream upgrades to a websocket and pushes newly appended lines of
// s.logPath, polling every 500ms rather than watching for filesystem
// events.
func (s *Server) logStream(c *gin.Context) {
	if _, err := s.parseToken(c.Query("token")); err != nil {
		render(c, http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var offset int64
	if fi, err := os.Stat(s.logPath); err == nil {
		offset = fi.Size()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		f, err := os.Open(s.logPath)
		if err != nil {
			continue
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			continue
		}
		if fi.Size() < offset {
			offset = 0 // file truncated/rotated
		}
		if fi.Size() > offset {
			buf := make([]byte, fi.Size()-offset)
			if _, err := f.ReadAt(buf, offset); err == nil {
				if werr := conn.WriteMessage(websocket.TextMessage, buf); werr != nil {
					f.Close()
					return
				}
				offset = fi.Size()
			}
		}
		f.Close()
	}
}

func (s *Server) postShutdown(c *gin.Context) {
	render(c, http.StatusOK, gin.H{"ok": true})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

// Listen binds the control API to a loopback address. bind must resolve to
// 127.0.0.1 or ::1; an empty bind picks an ephemeral loopback port.
func Listen(bind string) (net.Listener, error) {
	if bind == "" {
		bind = "127.0.0.1:0"
	}
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		return nil, fmt.Errorf("controlapi: invalid bind %q: %w", bind, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("controlapi: bind address %q is not loopback", bind)
	}
	return net.Listen("tcp", bind)
}

// Serve runs the control API over ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
