package tlsutil

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func encodeForTest(t *testing.T, cert tls.Certificate) (certPEM, keyPEM string) {
	t.Helper()
	cb := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	priv, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatalf("expected ecdsa private key, got %T", cert.PrivateKey)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	kb := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return string(cb), string(kb)
}

func TestGenerateSelfSignedIsUsable(t *testing.T) {
	cert, err := GenerateSelfSigned()
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected at least one DER certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Fatalf("expected localhost to be covered: %v", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if len(cfg.Certificates) != 1 {
		t.Fatal("certificate did not attach to tls.Config")
	}
}

func TestLoadConfigRejectsEmpty(t *testing.T) {
	if _, err := LoadConfig("", "", ""); err == nil {
		t.Fatal("expected error on empty cert/key")
	}
}

func TestLoadConfigFromPEMContent(t *testing.T) {
	cert, err := GenerateSelfSigned()
	if err != nil {
		t.Fatal(err)
	}
	certPEM, keyPEM := encodeForTest(t, cert)

	cfg, err := LoadConfig(certPEM, keyPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatal("expected one certificate loaded")
	}
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		host, pattern string
		want          bool
	}{
		{"api.example.com", "api.example.com", true},
		{"foo.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"evil.com", "*.example.com", false},
	}
	for _, c := range cases {
		if got := wildcardMatch(c.host, c.pattern); got != c.want {
			t.Errorf("wildcardMatch(%q, %q) = %v, want %v", c.host, c.pattern, got, c.want)
		}
	}
}

func TestParseGuardListEmptyDisables(t *testing.T) {
	if got := parseGuardList(""); got != nil {
		t.Fatalf("expected nil guard list for empty input, got %v", got)
	}
}
