// Command vproxy is a multi-protocol forward proxy (HTTP, HTTPS, SOCKS5)
// that can bind outbound connections to a source address chosen from a
// configured CIDR block per connection.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"vproxy/internal/auth"
	"vproxy/internal/config"
	"vproxy/internal/connector"
	"vproxy/internal/controlapi"
	"vproxy/internal/daemon"
	"vproxy/internal/httpproxy"
	"vproxy/internal/listener"
	"vproxy/internal/logx"
	"vproxy/internal/metrics"
	"vproxy/internal/socks5"
	"vproxy/internal/tlsutil"
)

const binName = "vproxy"

var log = logx.New(logx.WithPrefix("cmd"))

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runForeground(os.Args[2:])
	case "start":
		err = cmdStart(os.Args[2:])
	case "restart":
		err = cmdRestart(os.Args[2:])
	case "stop":
		err = cmdStop()
	case "ps":
		err = cmdPS()
	case "log":
		err = cmdLog(os.Args[2:])
	case "self":
		err = cmdSelf(os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  vproxy run [flags] <http|https|socks5> [protocol flags]
  vproxy start [flags] <http|https|socks5> [protocol flags]
  vproxy restart [flags] <http|https|socks5> [protocol flags]
  vproxy stop
  vproxy ps
  vproxy log [-f]
  vproxy self {update|uninstall}

run/start/restart flags:
  --log <trace|debug|info|warn|error>   default info (env VPROXY_LOG)
  --bind <ip:port>                      default 0.0.0.0:1080
  --connect-timeout <secs>              default 10
  --concurrent <n>                      default 1024
  --cidr <cidr>
  --cidr-range <u8>
  --fallback <ip>
  --control-bind <127.0.0.1:port>       default 127.0.0.1:0
  --metrics-influx-url <url>
  --metrics-influx-token <token>
  --metrics-influx-org <org>
  --metrics-influx-bucket <bucket>

protocol flags (http/https/socks5): --username, --password (mutually required)
https also requires: --tls-cert + --tls-key, or neither (generates a self-signed pair)`)
}

// runtimeArgs is the fully parsed CLI invocation for "run" (and for the
// detached child that "start"/"restart" launch with the same argv).
type runtimeArgs struct {
	cfg      config.Config
	protocol config.Protocol
	username string
	password string
}

func parseArgs(args []string) (runtimeArgs, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	logLevel := fs.String("log", envOr("VPROXY_LOG", "info"), "")
	bind := fs.String("bind", "0.0.0.0:1080", "")
	connectTimeout := fs.Int("connect-timeout", 10, "")
	concurrent := fs.Int("concurrent", 1024, "")
	cidr := fs.String("cidr", "", "")
	cidrRange := fs.Int("cidr-range", -1, "")
	fallback := fs.String("fallback", "", "")
	controlBind := fs.String("control-bind", "127.0.0.1:0", "")
	influxURL := fs.String("metrics-influx-url", "", "")
	influxToken := fs.String("metrics-influx-token", "", "")
	influxOrg := fs.String("metrics-influx-org", "", "")
	influxBucket := fs.String("metrics-influx-bucket", "", "")
	yamlPath := fs.String("config", "/etc/vproxy/config.yaml", "")

	if err := fs.Parse(args); err != nil {
		return runtimeArgs{}, err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return runtimeArgs{}, errors.New("missing protocol subcommand: http, https, or socks5")
	}
	protocol := config.Protocol(rest[0])
	switch protocol {
	case config.ProtocolHTTP, config.ProtocolHTTPS, config.ProtocolSOCKS5:
	default:
		return runtimeArgs{}, fmt.Errorf("unknown protocol subcommand %q", rest[0])
	}

	pfs := flag.NewFlagSet(string(protocol), flag.ContinueOnError)
	username := pfs.String("username", "", "")
	password := pfs.String("password", "", "")
	tlsCert := pfs.String("tls-cert", "", "")
	tlsKey := pfs.String("tls-key", "", "")
	sniGuard := pfs.String("tls-sni-guard", "", "")
	if err := pfs.Parse(rest[1:]); err != nil {
		return runtimeArgs{}, err
	}
	if (*username == "") != (*password == "") {
		return runtimeArgs{}, errors.New("--username and --password must be supplied together")
	}

	cidrPrefix, err := config.ParseCIDR(*cidr)
	if err != nil {
		return runtimeArgs{}, err
	}
	fallbackAddr, err := config.ParseFallback(*fallback)
	if err != nil {
		return runtimeArgs{}, err
	}
	var cidrRangePtr *int
	if *cidrRange >= 0 {
		cidrRangePtr = cidrRange
	}

	defaults, err := config.LoadDefaults(*yamlPath)
	if err != nil {
		return runtimeArgs{}, err
	}

	cfg := config.Config{
		Logging:        config.Logging{Level: *logLevel},
		ControlAPI:     config.ControlAPI{Bind: *controlBind},
		Metrics:        config.MetricsConfig{InfluxURL: *influxURL, InfluxToken: *influxToken, InfluxOrg: *influxOrg, InfluxBucket: *influxBucket},
		Bind:           *bind,
		ConnectTimeout: time.Duration(*connectTimeout) * time.Second,
		Concurrent:     *concurrent,
		CIDR:           cidrPrefix,
		CIDRRange:      cidrRangePtr,
		Fallback:       fallbackAddr,
		Protocol:       protocol,
		TLS:            config.TLSConfig{Cert: *tlsCert, Key: *tlsKey, SNIGuard: *sniGuard},
		Username:       *username,
		Password:       *password,
	}
	// Flags left unset stay zero so the YAML defaults can fill them.
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if !setFlags["log"] && os.Getenv("VPROXY_LOG") == "" {
		cfg.Logging.Level = ""
	}
	if !setFlags["concurrent"] {
		cfg.Concurrent = 0
	}
	if !setFlags["control-bind"] {
		cfg.ControlAPI.Bind = ""
	}
	cfg = cfg.Apply(defaults)

	return runtimeArgs{cfg: cfg, protocol: protocol, username: *username, password: *password}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runForeground(args []string) error {
	ra, err := parseArgs(args)
	if err != nil {
		return err
	}
	logx.SetLevelString(ra.cfg.Logging.Level)
	logx.MustInit()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	daemon.NotifyShutdown(sigc)
	go func() {
		<-sigc
		log.Infof("received shutdown signal")
		cancel()
	}()

	return serve(ctx, ra, cancel)
}

func serve(ctx context.Context, ra runtimeArgs, shutdown context.CancelFunc) error {
	cfg := ra.cfg

	policy := auth.NoAuth()
	if ra.username != "" {
		policy = auth.PasswordAuth(ra.username, ra.password)
	}

	conn := connector.New(connector.Config{
		CIDR:           cfg.CIDR,
		SubRangeLen:    cfg.CIDRRange,
		Fallback:       cfg.Fallback,
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)

	disp := listener.NewDispatcher(log)
	counters := &metrics.Counters{}

	switch ra.protocol {
	case config.ProtocolHTTP:
		disp.Add(httpproxy.NewServer(cfg.Bind, nil, policy, conn, cfg.Concurrent, cfg.ConnectTimeout, counters, log))
	case config.ProtocolHTTPS:
		tlsCfg, err := resolveTLSConfig(cfg.TLS)
		if err != nil {
			return err
		}
		disp.Add(httpproxy.NewServer(cfg.Bind, tlsCfg, policy, conn, cfg.Concurrent, cfg.ConnectTimeout, counters, log))
	case config.ProtocolSOCKS5:
		disp.Add(socks5.NewServer(cfg.Bind, policy, conn, cfg.Concurrent, cfg.ConnectTimeout, counters, log))
	}

	paths := daemon.NewPaths(binName)
	if ctrlLn, err := controlapi.Listen(cfg.ControlAPI.Bind); err != nil {
		log.Warnf("control api disabled: %v", err)
	} else {
		secret, err := controlapi.NewSecret()
		if err != nil {
			log.Warnf("control api disabled: %v", err)
		} else {
			srv := controlapi.New(secret, counters, log, logx.LogDir()+"/info.log", shutdown)
			tok, err := srv.IssueToken(24 * time.Hour)
			if err != nil {
				log.Warnf("control api disabled: %v", err)
			} else {
				addr := "http://" + ctrlLn.Addr().String()
				if err := writeTokenFile(paths, tok, addr); err != nil {
					log.Warnf("could not write token file: %v", err)
				}
				go func() {
					if err := controlapi.Serve(ctx, ctrlLn, srv.Router()); err != nil {
						log.Warnf("control api stopped: %v", err)
					}
				}()
			}
		}
	}

	if cfg.Metrics.InfluxURL != "" {
		exporter := newInfluxExporter(cfg.Metrics, log)
		go exporter.Run(ctx, counters)
	}

	log.Infof("vproxy %s listening on %s", ra.protocol, cfg.Bind)
	return disp.Run(ctx)
}

func resolveTLSConfig(t config.TLSConfig) (*tls.Config, error) {
	if t.Cert != "" && t.Key != "" {
		return tlsutil.LoadConfig(t.Cert, t.Key, t.SNIGuard)
	}
	cert, err := tlsutil.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}, NextProtos: []string{"h2", "http/1.1"}}, nil
}

// newInfluxExporter wires metrics.Exporter to influxdb-client-go/v2's
// non-blocking WriteAPI: WritePoint enqueues and returns immediately, so a
// slow or unreachable Influx server never blocks a proxied connection.
func newInfluxExporter(m config.MetricsConfig, log *logx.Logger) *metrics.Exporter {
	client := influxdb2.NewClient(m.InfluxURL, m.InfluxToken)
	writeAPI := client.WriteAPI(m.InfluxOrg, m.InfluxBucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Debugf("metrics: influx write error: %v", err)
		}
	}()
	return metrics.NewExporter(func(s metrics.Snapshot, v metrics.Vitals) error {
		p := influxdb2.NewPoint("vproxy",
			map[string]string{"host": v.Hostname},
			map[string]any{
				"http_conns":   s.HTTPConns,
				"https_conns":  s.HTTPSConns,
				"socks5_conns": s.SOCKS5Conns,
				"bytes_in":     s.BytesIn,
				"bytes_out":    s.BytesOut,
				"cpu_percent":  v.CPUPercent,
			},
			time.Now(),
		)
		writeAPI.WritePoint(p)
		return nil
	}, 10*time.Second, log)
}

func cmdStart(args []string) error {
	if _, err := parseArgs(args); err != nil {
		return err
	}
	paths := daemon.NewPaths(binName)
	full := append([]string{"run"}, args...)
	if err := daemon.Start(paths, full); err != nil {
		return err
	}
	fmt.Printf("%s started\n", binName)
	return nil
}

func cmdRestart(args []string) error {
	if _, err := parseArgs(args); err != nil {
		return err
	}
	paths := daemon.NewPaths(binName)
	full := append([]string{"run"}, args...)
	return daemon.Restart(paths, full)
}

func cmdStop() error {
	return daemon.Stop(daemon.NewPaths(binName))
}

func cmdPS() error {
	paths := daemon.NewPaths(binName)
	pid, running := daemon.Status(paths)
	if !running {
		fmt.Printf("%s is not running\n", binName)
		return nil
	}
	fmt.Printf("%-6s %s\n", "PID", "STATUS")
	fmt.Printf("%-6d %s\n", pid, "running")

	tok, addr, err := readTokenFile(paths)
	if err != nil {
		return nil // daemon running but control api unreachable; PID info above is still useful
	}
	resp, err := httpGetAuthorized(addr+"/status", tok)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	return nil
}

func cmdLog(args []string) error {
	follow := false
	for _, a := range args {
		if a == "-f" {
			follow = true
		}
	}
	paths := daemon.NewPaths(binName)
	tok, addr, err := readTokenFile(paths)
	if err != nil {
		return fmt.Errorf("cannot reach control api: %w", err)
	}
	if !follow {
		resp, err := httpGetAuthorized(addr+"/log/tail", tok)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		fmt.Println(string(b))
		return nil
	}
	return streamLog(addr, tok)
}

func streamLog(addr, token string) error {
	wsURL := strings.Replace(addr, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/log/stream?token="+token, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		fmt.Print(string(msg))
	}
}

func cmdSelf(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: vproxy self {update|uninstall}")
	}
	switch args[0] {
	case "update":
		fmt.Println("self update: not implemented in this build")
	case "uninstall":
		fmt.Println("self uninstall: not implemented in this build")
	default:
		return fmt.Errorf("unknown self subcommand %q", args[0])
	}
	return nil
}

func httpGetAuthorized(url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}

func readTokenFile(p daemon.Paths) (token, addr string, err error) {
	path := strings.TrimSuffix(p.PID, ".pid") + ".token"
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimSpace(string(b)), " ", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed token file %s", path)
	}
	return parts[0], parts[1], nil
}

func writeTokenFile(p daemon.Paths, token, addr string) error {
	path := strings.TrimSuffix(p.PID, ".pid") + ".token"
	return os.WriteFile(path, []byte(token+" "+addr), 0o600)
}
