// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package parseaddr parses the single free-form string the gateway accepts
// to describe an upstream XMPP server into either a direct host/port/mode
// triple or a bare domain to resolve via DNS SRV.
package parseaddr

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/processone/fluux-messenger/gateway/internal/discover"
)

// Kind distinguishes a fully specified connect target from a bare domain
// that still needs SRV resolution.
type Kind int

const (
	// KindDirect means Host/Port/Mode are already known; no SRV lookup is
	// needed.
	KindDirect Kind = iota
	// KindDomain means only Domain is known; the caller must resolve it.
	KindDomain
)

// Server is the result of parsing the gateway's server-input string.
type Server struct {
	Kind Kind

	// Host, Port, and Mode are set when Kind is KindDirect.
	Host string
	Port uint16
	Mode discover.Mode

	// Domain is the XMPP logical domain. For KindDomain it is the whole
	// input; for KindDirect it is only set when the input carried an
	// explicit "?domain=" override, and should be preferred over Host for
	// SNI and the STARTTLS "to=" attribute when present.
	Domain string
}

const (
	directTLSPort = 5223
	starttlsPort  = 5222
)

// Parse accepts server input in one of the forms:
//
//	tls://host[:port][?domain=d]
//	tcp://host[:port][?domain=d]
//	host:port
//	domain
//
// Whitespace is trimmed first. Malformed input in a more specific form
// falls through to the next, less specific, rule rather than failing;
// anything left over is treated as a bare domain.
func Parse(input string) Server {
	trimmed := strings.TrimSpace(input)

	if srv, ok := parseScheme(trimmed, "tls://", discover.DirectTLS, directTLSPort); ok {
		return srv
	}
	if srv, ok := parseScheme(trimmed, "tcp://", discover.TCP, starttlsPort); ok {
		return srv
	}
	if srv, ok := parseHostPort(trimmed); ok {
		return srv
	}
	return Server{Kind: KindDomain, Domain: trimmed}
}

// parseScheme handles the "tls://" and "tcp://" forms.
func parseScheme(trimmed, scheme string, mode discover.Mode, defaultPort uint16) (Server, bool) {
	if !strings.HasPrefix(trimmed, scheme) {
		return Server{}, false
	}
	rest := strings.TrimPrefix(trimmed, scheme)

	var domain string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		domain = parseDomainQuery(rest[i+1:])
		rest = rest[:i]
	}

	host, port, ok := splitHostPort(rest)
	if !ok {
		host = rest
		port = defaultPort
	}
	if host == "" {
		return Server{}, false
	}
	return Server{Kind: KindDirect, Host: host, Port: port, Mode: mode, Domain: domain}, true
}

// parseHostPort handles the bare "host:port" form; the TLS mode is inferred
// from whether the port is the well-known direct-TLS port.
func parseHostPort(trimmed string) (Server, bool) {
	host, port, ok := splitHostPort(trimmed)
	if !ok || host == "" {
		return Server{}, false
	}
	mode := discover.TCP
	if port == directTLSPort {
		mode = discover.DirectTLS
	}
	return Server{Kind: KindDirect, Host: host, Port: port, Mode: mode}, true
}

// splitHostPort right-splits on the last ':' so an IPv6 literal's embedded
// colons (inside its brackets) survive intact, then validates the port is a
// non-zero number. The brackets themselves are stripped from the returned
// host, matching what net.JoinHostPort/net.Dial expect as a bare address to
// re-bracket themselves; keeping them would double-bracket on dial.
func splitHostPort(s string) (host string, port uint16, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, false
	}
	host = s[:i]
	n, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil || n == 0 {
		return "", 0, false
	}
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	return host, uint16(n), true
}

// parseDomainQuery extracts the "domain" key from a query string, ignoring
// any other keys present.
func parseDomainQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	return values.Get("domain")
}
