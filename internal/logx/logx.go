// Package logx is the process-wide leveled logger: a small prefixed
// component logger plus a gin.Engine writer adapter for the control API, so
// every subsystem's output shares one timestamp/level/site format.
package logx

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Level is a severity ordered from most to least verbose.
type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

// levelMeta holds a Level's canonical name and its bracketed line tag, kept
// as one table instead of parallel switches for String/levelTag.
var levelMeta = [...]struct {
	name, tag string
}{
	Trace: {"trace", "[TRACE]"},
	Debug: {"debug", "[DEBUG]"},
	Info:  {"info", "[INFO]"},
	Warn:  {"warn", "[WARN]"},
	Error: {"error", "[ERROR]"},
	Off:   {"off", "[OFF]"},
}

func (l Level) String() string {
	if int(l) >= 0 && int(l) < len(levelMeta) {
		return levelMeta[l].name
	}
	return "error"
}

func levelTag(l Level) string {
	if int(l) >= 0 && int(l) < len(levelMeta) {
		return levelMeta[l].tag
	}
	return "[ERROR]"
}

// ParseLevel maps a config/flag string to a Level, defaulting to Error for
// anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "off", "silent":
		return Off
	default:
		return Error
	}
}

var globalLevel = int32(Info)

func SetLevel(l Level)        { atomic.StoreInt32(&globalLevel, int32(l)) }
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }
func GetLevel() Level         { return Level(atomic.LoadInt32(&globalLevel)) }
func GetLevelString() string  { return GetLevel().String() }

// LogDir is where file sinks are opened when running as a daemon; under the
// desktop/dev convenience path it's a relative "log" directory.
func LogDir() string {
	if os.Getenv("VPROXY_DESKTOP") != "" {
		return "log"
	}
	return "/var/log/vproxy"
}

func openLogFile(path string) *os.File {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		panic(err)
	}
	return f
}

var (
	appInfoW io.Writer = os.Stdout
	appErrW  io.Writer = os.Stderr
	ginInfoW io.Writer = os.Stdout
	ginErrW  io.Writer = os.Stderr

	initDone atomic.Bool
)

// gatedWriter only forwards to dst once the global level has dropped to min
// or below, used to apply the process level to gin's otherwise-ungated logs.
type gatedWriter struct {
	min Level
	dst io.Writer
}

func (w gatedWriter) Write(p []byte) (int, error) {
	if GetLevel() <= w.min {
		return w.dst.Write(p)
	}
	return len(p), nil
}

// MustInit opens the file sinks and wires gin's default writers through the
// same formatting as the app logger. It is idempotent; only the first call
// has effect.
func MustInit() {
	if initDone.Swap(true) {
		return
	}
	d := LogDir()

	appInfoW = io.MultiWriter(os.Stdout, openLogFile(filepath.Join(d, "info.log")))
	appErrW = io.MultiWriter(os.Stderr, openLogFile(filepath.Join(d, "error.log")))
	ginInfoW = io.MultiWriter(gatedWriter{min: Info, dst: os.Stdout}, openLogFile(filepath.Join(d, "gin_info.log")))
	ginErrW = io.MultiWriter(gatedWriter{min: Error, dst: os.Stderr}, openLogFile(filepath.Join(d, "gin_error.log")))

	gw := &ginLineWriter{infoW: ginInfoW, errW: ginErrW}
	gin.DefaultWriter = gw
	gin.DefaultErrorWriter = gw
}

// Logger is a component logger with its own optional prefix and level
// override; with no override it defers to the process-wide level.
type Logger struct {
	level int32
	pfx   atomic.Value
}

type Option func(*Logger)

func WithPrefix(p string) Option { return func(l *Logger) { l.pfx.Store(strings.TrimSpace(p)) } }
func WithLogLevel(lvl Level) Option {
	return func(l *Logger) { atomic.StoreInt32(&l.level, int32(lvl)) }
}

// New builds a Logger; -1 (the default) means "no override", deferring to
// the process-wide level on every call.
func New(opts ...Option) *Logger {
	l := &Logger{level: -1}
	l.pfx.Store("")
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Logger) effLevel() Level {
	if lv := atomic.LoadInt32(&l.level); lv >= 0 {
		return Level(lv)
	}
	return GetLevel()
}

func (l *Logger) SetPrefix(p string) { l.pfx.Store(strings.TrimSpace(p)) }
func (l *Logger) SetLevel(lv Level)  { atomic.StoreInt32(&l.level, int32(lv)) }

func (l *Logger) sinkFor(at Level) io.Writer {
	if at >= Error {
		return appErrW
	}
	return appInfoW
}

func callerSite(skip int) string {
	if _, f, ln, ok := runtime.Caller(skip); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	return "-"
}

func (l *Logger) logf(at Level, format string, args ...any) {
	if l.effLevel() > at || at >= Off {
		return
	}
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	site := callerSite(4)
	pfx, _ := l.pfx.Load().(string)

	var b bytes.Buffer
	if pfx != "" {
		fmt.Fprintf(&b, "%s %s: %s %s - ", ts, site, levelTag(at), pfx)
	} else {
		fmt.Fprintf(&b, "%s %s: %s - ", ts, site, levelTag(at))
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	_, _ = l.sinkFor(at).Write(b.Bytes())
}

func (l *Logger) Tracef(format string, args ...any) { l.logf(Trace, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(Error, format, args...) }

func NewStdInfo(dst *os.File) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix
	return log.New(io.MultiWriter(os.Stdout, dst), "[INFO] ", flags)
}
func NewStdErr(dst *os.File) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix
	return log.New(io.MultiWriter(os.Stderr, dst), "[ERROR] ", flags)
}

// ginLineWriter reformats gin's own log lines (route table dump, request
// log, recovery panics) into the app's timestamp/level/site line shape and
// splits them across the info/error sinks by detected severity.
type ginLineWriter struct {
	infoW io.Writer
	errW  io.Writer
}

func (w *ginLineWriter) Write(p []byte) (n int, err error) {
	written := 0
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lvl, msg := classifyGinLine(line)
		dst := w.infoW
		if lvl >= Error {
			dst = w.errW
		}
		for _, one := range strings.Split(msg, "\n") {
			one = strings.TrimSpace(one)
			if one == "" {
				continue
			}
			ts := time.Now().Format("2006/01/02 15:04:05.000000")
			m, _ := fmt.Fprintf(dst, "%s %s gin - %s\n", ts, levelTag(lvl), one)
			written += m
		}
	}
	return written, nil
}

func classifyGinLine(line []byte) (Level, string) {
	s := string(line)
	switch {
	case strings.Contains(s, "[WARNING]"), strings.Contains(s, "[WARN]"):
		return Warn, stripGinPrefix(s)
	case strings.Contains(s, "[ERROR]"):
		return Error, stripGinPrefix(s)
	case strings.HasPrefix(s, "[GIN-debug]"), strings.Contains(s, "(handlers)"), strings.Contains(s, "-->"):
		return Debug, stripGinPrefix(s)
	default:
		return Info, stripGinPrefix(s)
	}
}

func stripGinPrefix(s string) string {
	if !strings.HasPrefix(s, "[") {
		return s
	}
	if i := strings.Index(s, "]"); i >= 0 && i+1 < len(s) {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
