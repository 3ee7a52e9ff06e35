package httpproxy

import "testing"

func TestParseProxyBasic(t *testing.T) {
	// base64("alice-session-7:pw") == YWxpY2Utc2Vzc2lvbi03OnB3
	user, pass, ok := parseProxyBasic("Basic YWxpY2Utc2Vzc2lvbi03OnB3")
	if !ok || user != "alice-session-7" || pass != "pw" {
		t.Fatalf("got %q %q %v", user, pass, ok)
	}
}

func TestParseProxyBasicMissing(t *testing.T) {
	if _, _, ok := parseProxyBasic(""); ok {
		t.Fatalf("expected failure on empty header")
	}
}

func TestSplitHostPortDefault(t *testing.T) {
	host, port, ok := splitHostPortDefault("example.test:8080", 80)
	if !ok || host != "example.test" || port != 8080 {
		t.Fatalf("got %q %d %v", host, port, ok)
	}
	host, port, ok = splitHostPortDefault("example.test", 80)
	if !ok || host != "example.test" || port != 80 {
		t.Fatalf("default port not applied: got %q %d %v", host, port, ok)
	}
}
