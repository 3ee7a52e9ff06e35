// Package auth implements the proxy's two authentication modes and the
// prefix-match rule that lets an authenticated username carry an Extension
// tag.
package auth

import (
	"strings"

	"vproxy/internal/extension"
)

// Reason classifies why authentication failed, so callers can map it to a
// protocol-specific response (HTTP 407/403, SOCKS5 auth-failure reply).
type Reason int

const (
	// OK indicates success; Reason is otherwise meaningless.
	OK Reason = iota
	// AuthRequired means no or malformed credential was presented.
	AuthRequired
	// Forbidden means a credential was presented but didn't match.
	Forbidden
)

// Outcome is the result of an authentication attempt.
type Outcome struct {
	Reason    Reason
	Extension extension.Extension
}

// Policy is either None (always accept) or Password (require exact
// credentials, modulo the Extension-carrying username prefix).
type Policy struct {
	enabled  bool
	username string
	password string
}

// NoAuth returns a Policy that accepts every connection with no Extension.
func NoAuth() Policy { return Policy{} }

// PasswordAuth returns a Policy requiring username to start with u and
// password to equal p byte-exact.
func PasswordAuth(u, p string) Policy {
	return Policy{enabled: true, username: u, password: p}
}

// Enabled reports whether this policy requires credentials at all.
func (p Policy) Enabled() bool { return p.enabled }

// Authenticate validates a presented username/password pair. When the
// policy is None, it always succeeds with Extension{Kind: extension.None}.
// presentOK is false when the caller could not extract any credential at
// all (e.g. missing Proxy-Authorization header, or client declined SOCKS5
// auth subnegotiation).
func (p Policy) Authenticate(presentOK bool, user, pass string) Outcome {
	if !p.enabled {
		return Outcome{Reason: OK, Extension: extension.Extension{Kind: extension.None}}
	}
	if !presentOK {
		return Outcome{Reason: AuthRequired}
	}
	if !strings.HasPrefix(user, p.username) {
		return Outcome{Reason: Forbidden}
	}
	if pass != p.password {
		return Outcome{Reason: Forbidden}
	}
	return Outcome{Reason: OK, Extension: extension.Parse(p.username, user)}
}
