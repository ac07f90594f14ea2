// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package starttls drives the plaintext opening exchange and RFC 6120 §5
// STARTTLS negotiation on a freshly dialed TCP connection, handing the
// drained stream over to tlsconn for the actual handshake once the peer has
// agreed to proceed.
package starttls

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/processone/fluux-messenger/gateway/internal/gatewayerr"
	"github.com/processone/fluux-messenger/gateway/internal/stanza"
	"github.com/processone/fluux-messenger/gateway/internal/tlsconn"
)

// readPhaseTimeout bounds each of the two read phases in Negotiate: waiting
// for stream features, and waiting for proceed/failure.
const readPhaseTimeout = 10 * time.Second

// Negotiate writes the plaintext stream header to conn, waits for the
// server's features, requests STARTTLS, and on success upgrades conn to TLS
// using domain for SNI. connectHost is only used for logging; it is
// frequently not the same name as domain when conn was reached via an SRV
// record.
func Negotiate(ctx context.Context, conn net.Conn, domain, connectHost string, log zerolog.Logger) (*tls.Conn, error) {
	open := fmt.Sprintf(`<?xml version='1.0'?><stream:stream to='%s' version='1.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`, domain)
	if _, err := conn.Write([]byte(open)); err != nil {
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, err)
	}

	var buf []byte
	deadline := time.Now().Add(readPhaseTimeout)

	streamOpen, err := readElement(conn, &buf, deadline)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	if !bytes.Contains(streamOpen, []byte("<stream:stream")) {
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, fmt.Errorf("expected stream header, got %q", streamOpen))
	}

	features, err := readElement(conn, &buf, deadline)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	if !bytes.Contains(features, []byte("<starttls")) {
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, fmt.Errorf("server does not offer starttls: %q", features))
	}

	if _, err := conn.Write([]byte(`<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`)); err != nil {
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, err)
	}

	deadline = time.Now().Add(readPhaseTimeout)
	reply, err := readElement(conn, &buf, deadline)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	switch {
	case bytes.Contains(reply, []byte("<proceed")):
		// continue below
	case bytes.Contains(reply, []byte("<failure")):
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, fmt.Errorf("server refused starttls: %q", reply))
	default:
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, fmt.Errorf("unexpected reply to starttls: %q", reply))
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, gatewayerr.New(gatewayerr.StartTLSProtocol, err)
	}
	log.Debug().Str("domain", domain).Str("connect_host", connectHost).Msg("starttls negotiated, upgrading to TLS")
	return tlsconn.Upgrade(ctx, conn, domain, connectHost, log)
}

// readElement reads off conn, appending to buf, until stanza.Extract yields
// a complete top-level element, draining the consumed prefix from buf
// before returning so repeated calls don't re-scan already-extracted bytes.
func readElement(conn net.Conn, buf *[]byte, deadline time.Time) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	tmp := make([]byte, 4096)
	for {
		res := stanza.Extract(*buf)
		if !res.Needed {
			el := append([]byte(nil), res.Stanza...)
			*buf = (*buf)[res.Consumed:]
			return el, nil
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			*buf = append(*buf, tmp[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// classifyReadErr distinguishes a deadline exceeded (StartTLSTimeout) from
// any other read failure, such as the peer closing the connection
// prematurely (still reported as a protocol error, per spec: "If the read
// deadline fires or the peer closes before features are seen, return a
// timeout or premature-close error").
func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return gatewayerr.New(gatewayerr.StartTLSTimeout, err)
	}
	return gatewayerr.New(gatewayerr.StartTLSProtocol, err)
}
