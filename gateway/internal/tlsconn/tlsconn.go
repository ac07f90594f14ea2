// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package tlsconn builds the TLS client configuration the gateway dials
// upstream XMPP servers with, and performs the handshake on an
// already-connected net.Conn (either straight off a direct-TLS dial, or
// after a STARTTLS negotiator has drained the plaintext stream).
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/processone/fluux-messenger/gateway/internal/gatewayerr"
)

// insecure is a lock-free cell written by SetInsecure and read on every
// handshake; nothing stops it from being written more than once.
var insecure atomic.Bool

// SetInsecure enables or disables the "accept any certificate" mode. It is
// intended to be called at most once, before the first handshake; calling it
// again after handshakes have started is a caller bug, not something this
// package guards against, since the zero-cost atomic read on the hot path is
// worth more than a check that never fires in practice.
func SetInsecure(v bool) {
	insecure.Store(v)
}

// Insecure reports the current value of the one-shot insecure-TLS cell.
func Insecure() bool {
	return insecure.Load()
}

// NewConfig builds a tls.Config for dialing name. In normal mode it loads
// the OS root certificate pool and fails with a Configuration error if that
// pool is empty, since an empty pool makes every handshake fail certificate
// validation and would otherwise look like a working TLS stack until the
// first real server is dialed. In insecure mode it installs a
// VerifyConnection hook that accepts any certificate and logs a warning on
// every use, and never fails for lack of roots.
func NewConfig(name string, log zerolog.Logger) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: name,
		MinVersion: tls.VersionTLS12,
	}

	if Insecure() {
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(tls.ConnectionState) error {
			log.Warn().Str("server_name", name).Msg("accepting TLS certificate without validation")
			return nil
		}
		return cfg, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	if len(roots.Subjects()) == 0 { //nolint:staticcheck // Subjects is deprecated but roots came straight from SystemCertPool
		return nil, gatewayerr.New(gatewayerr.Configuration, errNoRoots)
	}
	cfg.RootCAs = roots
	return cfg, nil
}

var errNoRoots = noRootsError{}

type noRootsError struct{}

func (noRootsError) Error() string { return "no OS root certificates available" }

// Upgrade performs a TLS client handshake over conn, which must already be
// an established, plaintext connection to host (either a direct-TLS dial or
// a STARTTLS-negotiated stream). sniName is the name used for both the TLS
// ServerName and the certificate's expected identity; it is the XMPP
// logical domain when known, not necessarily the host conn is connected to.
func Upgrade(ctx context.Context, conn net.Conn, sniName, connectHost string, log zerolog.Logger) (*tls.Conn, error) {
	cfg, err := NewConfig(sniName, log)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		kind := classify(err)
		log.Debug().
			Err(err).
			Str("sni", sniName).
			Str("connect_host", connectHost).
			Str("classification", string(kind)).
			Msg("TLS handshake failed")
		return nil, gatewayerr.New(kind, err)
	}
	return tlsConn, nil
}

// classify maps a handshake error to a Kind purely for telemetry; the
// caller always treats the handshake as fatal regardless of which kind is
// returned.
func classify(err error) gatewayerr.Kind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return gatewayerr.TLSHandshake
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return gatewayerr.ConnectTimeout
	case strings.Contains(msg, "connection refused"):
		return gatewayerr.ConnectRefused
	default:
		return gatewayerr.ConnectOther
	}
}
