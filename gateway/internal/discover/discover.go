// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover resolves an XMPP domain to an ordered list of candidate
// endpoints using DNS SRV records, following RFC 2782 ordering with a
// last-resort fallback when no SRV records are published.
package discover

import (
	"context"
	"net"
	"sort"

	"github.com/rs/zerolog"
)

// Mode distinguishes a plain TCP candidate (expected to upgrade via
// STARTTLS) from one that wraps TCP in TLS immediately.
type Mode int

const (
	// TCP is a plain connection; STARTTLS is expected before any XMPP
	// credentials flow.
	TCP Mode = iota
	// DirectTLS wraps the TCP connection in TLS immediately on connect.
	DirectTLS
)

func (m Mode) String() string {
	if m == DirectTLS {
		return "direct-tls"
	}
	return "tcp"
}

// Endpoint is one candidate the dialer can try. Domain, when set, is the
// XMPP logical domain this endpoint was resolved for; Host is the network
// address to dial. They differ whenever Endpoint came from an SRV record,
// whose target frequently does not match the certificate CN for Domain.
// TLS SNI and the STARTTLS stream "to=" attribute must use Domain when
// present, falling back to Host only when it is empty.
type Endpoint struct {
	Host   string
	Port   uint16
	Mode   Mode
	Domain string
}

// SNIName returns the name to use for TLS SNI and the STARTTLS stream "to="
// attribute: the original XMPP domain if known, otherwise the connect host.
func (e Endpoint) SNIName() string {
	if e.Domain != "" {
		return e.Domain
	}
	return e.Host
}

const (
	xmppsService = "xmpps-client"
	xmppService  = "xmpp-client"
)

// Lookup resolves domain to an ordered list of candidate endpoints:
// _xmpps-client._tcp SRV records first (direct TLS), then
// _xmpp-client._tcp SRV records (plain TCP expecting STARTTLS), and — only
// if both came back empty — a single literal fallback at domain:5222.
//
// DNS transport failures (NXDOMAIN, SERVFAIL, timeout) are logged and
// treated the same as "no records", since the fallback entry always makes
// the list non-empty; Lookup only returns an error if it somehow cannot
// even construct that fallback.
func Lookup(ctx context.Context, resolver *net.Resolver, domain string, log zerolog.Logger) ([]Endpoint, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	var endpoints []Endpoint
	endpoints = append(endpoints, lookupSRV(ctx, resolver, xmppsService, domain, DirectTLS, log)...)
	endpoints = append(endpoints, lookupSRV(ctx, resolver, xmppService, domain, TCP, log)...)

	if len(endpoints) == 0 {
		log.Info().Str("domain", domain).Msg("no SRV records found, falling back to domain:5222")
		endpoints = append(endpoints, Endpoint{Host: domain, Port: 5222, Mode: TCP})
	}
	return endpoints, nil
}

func lookupSRV(ctx context.Context, resolver *net.Resolver, service, domain string, mode Mode, log zerolog.Logger) []Endpoint {
	_, srvs, err := resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		// NXDOMAIN/SERVFAIL/timeout: log and treat exactly like "no
		// records", the caller's fallback logic covers us.
		log.Debug().Err(err).Str("service", "_"+service+"._tcp."+domain).Msg("SRV lookup failed")
		return nil
	}

	// RFC 2782: a single record with a target of "." means the service is
	// decidedly not available at this domain.
	if len(srvs) == 1 && srvs[0].Target == "." {
		return nil
	}

	sortSRV(srvs)

	endpoints := make([]Endpoint, 0, len(srvs))
	for _, s := range srvs {
		if s.Target == "." {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Host:   s.Target,
			Port:   s.Port,
			Mode:   mode,
			Domain: domain,
		})
	}
	return endpoints
}

// sortSRV orders records ascending by priority then descending by weight,
// per RFC 2782. Weighted randomization within an equal-priority group is
// permitted by RFC 2782 but not performed here: a stable, deterministic
// order makes the gateway's behavior reproducible and easy to test, and the
// present dialer only ever tries the first candidate of the whole list anyway.
func sortSRV(srvs []*net.SRV) {
	sort.SliceStable(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})
}
