// Package metrics tracks per-protocol connection counters and exposes a
// vitals snapshot for the control API, with optional best-effort export to
// InfluxDB.
package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"vproxy/internal/logx"
)

// Counters holds atomic, per-protocol traffic tallies. The zero value is
// ready to use.
type Counters struct {
	HTTPConns   atomic.Int64
	HTTPSConns  atomic.Int64
	SOCKS5Conns atomic.Int64
	BytesIn     atomic.Int64
	BytesOut    atomic.Int64
}

// Snapshot is an immutable copy of Counters for reporting.
type Snapshot struct {
	HTTPConns   int64
	HTTPSConns  int64
	SOCKS5Conns int64
	BytesIn     int64
	BytesOut    int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		HTTPConns:   c.HTTPConns.Load(),
		HTTPSConns:  c.HTTPSConns.Load(),
		SOCKS5Conns: c.SOCKS5Conns.Load(),
		BytesIn:     c.BytesIn.Load(),
		BytesOut:    c.BytesOut.Load(),
	}
}

// Vitals is a point-in-time snapshot of host and process resource usage,
// mirroring the subset of fields the control API's /status route returns.
type Vitals struct {
	Timestamp     int64   `json:"timestamp"`
	GoVersion     string  `json:"go_version"`
	Arch          string  `json:"arch"`
	NumGoroutine  int     `json:"num_goroutine"`
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Uptime        uint64  `json:"uptime_seconds"`
	CPULogical    int     `json:"cpu_logical"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemTotal      uint64  `json:"mem_total"`
	MemUsed       uint64  `json:"mem_used"`
	MemUsedPct    float64 `json:"mem_used_percent"`
}

// SnapshotVitals gathers a best-effort Vitals reading; any individual gopsutil
// call that fails just leaves its fields zeroed rather than aborting the
// whole snapshot.
func SnapshotVitals() Vitals {
	v := Vitals{
		Timestamp:    time.Now().UnixMilli(),
		GoVersion:    runtime.Version(),
		Arch:         runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if hi, err := host.Info(); err == nil {
		v.Hostname = hi.Hostname
		v.OS = hi.OS
		v.Uptime = hi.Uptime
	}
	if logical, err := cpu.Counts(true); err == nil {
		v.CPULogical = logical
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		v.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		v.MemTotal = vm.Total
		v.MemUsed = vm.Used
		v.MemUsedPct = vm.UsedPercent
	}
	return v
}

// Exporter writes periodic counter snapshots to InfluxDB. Nil-safe: a nil
// *Exporter's Run is a no-op, matching "disabled when no --metrics-influx-url
// is configured".
type Exporter struct {
	write    func(snapshot Snapshot, vitals Vitals) error
	interval time.Duration
	log      *logx.Logger
}

// NewExporter wires write as the per-tick export function (typically an
// InfluxDB non-blocking write API point). interval defaults to ten seconds.
func NewExporter(write func(Snapshot, Vitals) error, interval time.Duration, log *logx.Logger) *Exporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Exporter{write: write, interval: interval, log: log}
}

// Run exports a snapshot every e.interval until ctx is cancelled. Export
// failures are logged and never stop the loop or block request handling.
func (e *Exporter) Run(ctx context.Context, counters *Counters) {
	if e == nil || e.write == nil {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.write(counters.Snapshot(), SnapshotVitals()); err != nil {
				if e.log != nil {
					e.log.Warnf("metrics: export failed: %v", err)
				}
			}
		}
	}
}
