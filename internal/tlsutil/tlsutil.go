// Package tlsutil loads a server tls.Config for the https subcommand,
// optionally enforcing an SNI allowlist, and can mint a
// self-signed certificate when the operator supplies no cert/key.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadConfig builds a server tls.Config from cert/key material, each of
// which may be a file path or PEM content directly (content containing
// "-----BEGIN" is treated as PEM). sniGuard is a comma-separated allowlist
// of hostnames/wildcards ("*.example.com,api.example.com"); empty disables
// SNI enforcement.
func LoadConfig(cert, key, sniGuard string) (*tls.Config, error) {
	cert = strings.TrimSpace(cert)
	key = strings.TrimSpace(key)
	if cert == "" || key == "" {
		return nil, errors.New("tlsutil: empty cert/key")
	}

	certPEM, err := readPEMOrFile(cert)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read cert: %w", err)
	}
	keyPEM, err := readPEMOrFile(key)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read key: %w", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: parse keypair: %w", err)
	}
	if pair.Leaf == nil && len(pair.Certificate) > 0 {
		if leaf, e := x509.ParseCertificate(pair.Certificate[0]); e == nil {
			pair.Leaf = leaf
		}
	}

	guard := parseGuardList(sniGuard)

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(guard) == 0 {
				return nil
			}
			sni := strings.ToLower(strings.TrimSpace(cs.ServerName))
			if sni == "" {
				return errors.New("tlsutil: sni required")
			}
			if !matchAnyHostPattern(sni, guard) {
				return fmt.Errorf("tlsutil: sni not allowed: %s", sni)
			}
			if pair.Leaf != nil {
				if err := pair.Leaf.VerifyHostname(sni); err != nil {
					return fmt.Errorf("tlsutil: sni not covered by certificate: %w", err)
				}
			}
			return nil
		},
	}
	return cfg, nil
}

func readPEMOrFile(s string) ([]byte, error) {
	if strings.Contains(s, "-----BEGIN ") {
		return []byte(s), nil
	}
	return os.ReadFile(filepath.Clean(s))
}

func parseGuardList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchAnyHostPattern(host string, patterns []string) bool {
	for _, p := range patterns {
		if wildcardMatch(host, p) {
			return true
		}
	}
	return false
}

func wildcardMatch(host, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return host == pattern
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// GenerateSelfSigned mints an in-memory ECDSA-P256 certificate valid for ten
// years, covering "localhost" and the loopback addresses, for operators who
// run the https subcommand without supplying --tls-cert.
func GenerateSelfSigned() (tls.Certificate, error) {
	priv, err := newSigningKey()
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "vproxy", Organization: []string{"vproxy"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, publicKey(priv), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: generate self-signed cert: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func newSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func publicKey(priv *ecdsa.PrivateKey) *ecdsa.PublicKey {
	return &priv.PublicKey
}
