package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsMissingFile(t *testing.T) {
	d, err := LoadDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if d.Concurrent != 0 {
		t.Fatalf("expected zero-value defaults, got %+v", d)
	}
}

func TestLoadDefaultsParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vproxy.yaml")
	content := "logging:\n  level: debug\nconcurrent: 256\ntls:\n  cert: /tmp/c.pem\n  key: /tmp/k.pem\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDefaults(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Logging.Level != "debug" || d.Concurrent != 256 || d.TLS.Cert != "/tmp/c.pem" {
		t.Fatalf("got %+v", d)
	}
}

func TestApplyFillsDefaultsAndHardcodedFallbacks(t *testing.T) {
	var c Config
	c = c.Apply(Defaults{Logging: Logging{Level: "warn"}, Concurrent: 64})
	if c.Logging.Level != "warn" {
		t.Fatalf("expected yaml default to fill empty CLI value, got %q", c.Logging.Level)
	}
	if c.Concurrent != 64 {
		t.Fatalf("expected yaml concurrent to apply, got %d", c.Concurrent)
	}
	if c.Bind == "" || c.ConnectTimeout == 0 {
		t.Fatalf("expected hardcoded fallbacks to apply, got %+v", c)
	}
}

func TestApplyCLIWinsOverDefaults(t *testing.T) {
	c := Config{Logging: Logging{Level: "error"}, Concurrent: 10}
	c = c.Apply(Defaults{Logging: Logging{Level: "debug"}, Concurrent: 999})
	if c.Logging.Level != "error" || c.Concurrent != 10 {
		t.Fatalf("CLI values should win, got %+v", c)
	}
}

func TestParseCIDR(t *testing.T) {
	if p, err := ParseCIDR(""); err != nil || p.IsValid() {
		t.Fatalf("expected empty string to yield invalid zero prefix, got %v %v", p, err)
	}
	p, err := ParseCIDR("10.0.0.0/24")
	if err != nil || !p.IsValid() {
		t.Fatalf("got %v %v", p, err)
	}
	if _, err := ParseCIDR("not-a-cidr"); err == nil {
		t.Fatalf("expected error on malformed CIDR")
	}
}

func TestParseFallback(t *testing.T) {
	if a, err := ParseFallback(""); err != nil || a.IsValid() {
		t.Fatalf("expected empty string to yield invalid zero addr, got %v %v", a, err)
	}
	a, err := ParseFallback("203.0.113.9")
	if err != nil || !a.IsValid() {
		t.Fatalf("got %v %v", a, err)
	}
	if _, err := ParseFallback("not-an-ip"); err == nil {
		t.Fatalf("expected error on malformed address")
	}
}
