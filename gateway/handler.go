// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/processone/fluux-messenger/gateway/internal/discover"
	"github.com/processone/fluux-messenger/gateway/internal/gatewayerr"
	"github.com/processone/fluux-messenger/gateway/internal/starttls"
	"github.com/processone/fluux-messenger/gateway/internal/tlsconn"
	"github.com/processone/fluux-messenger/parseaddr"
)

const (
	initialStanzaTimeout = 10 * time.Second
	tcpConnectTimeout    = 15 * time.Second
)

// handleConnection drives one accepted WebSocket through setup (wait for
// evidence of use, resolve, connect, optionally STARTTLS) and into a Bridge.
// It never lets an error here escape to the proxy or to other connections;
// everything is logged and, for abnormal exits, reported through events.
func (p *Proxy) handleConnection(ws *websocket.Conn, serverInput string, shutdown <-chan struct{}) {
	connID := p.connIDSeq.Add(1)
	p.activeConnections.Add(1)
	defer p.activeConnections.Add(-1)

	log := p.log.With().Uint64("conn_id", connID).Logger()
	defer ws.Close()

	firstText, err := awaitInitialFrame(ws)
	if err != nil {
		log.Debug().Err(err).Msg("no initial client frame; closing without opening an upstream connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	upstream, err := p.connectUpstream(ctx, serverInput, log)
	if err != nil {
		log.Warn().Err(err).Msg("failed to establish upstream connection")
		return
	}

	bridge := NewBridge(connID, ws, upstream, shutdown, p.events, []string{firstText}, log)
	bridge.Run()
}

// awaitInitialFrame blocks for up to initialStanzaTimeout waiting for the
// first Text frame from the client. The gateway deliberately does not begin
// DNS/TCP/TLS work before this succeeds, so a WebSocket that connects and
// immediately disconnects never costs an upstream connection attempt.
func awaitInitialFrame(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(initialStanzaTimeout)); err != nil {
		return "", err
	}
	defer ws.SetReadDeadline(time.Time{}) //nolint:errcheck // best effort; connection is about to be used either way

	for {
		var text string
		err := textCodec.Receive(ws, &text)
		switch {
		case errors.Is(err, errNotText):
			continue
		case err != nil:
			return "", err
		default:
			return text, nil
		}
	}
}

// connectUpstream resolves serverInput to a candidate endpoint and connects
// to it, performing direct TLS or STARTTLS as the endpoint's mode requires.
// Only the first candidate in the resolved list is tried, per the ordering
// contract: callers that want failover across candidates may loop over
// discover.Lookup's result themselves.
func (p *Proxy) connectUpstream(ctx context.Context, serverInput string, log zerolog.Logger) (net.Conn, error) {
	parsed := parseaddr.Parse(serverInput)

	var endpoint discover.Endpoint
	switch parsed.Kind {
	case parseaddr.KindDirect:
		endpoint = discover.Endpoint{Host: parsed.Host, Port: parsed.Port, Mode: parsed.Mode, Domain: parsed.Domain}
	default:
		endpoints, err := discover.Lookup(ctx, nil, parsed.Domain, log)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.Resolution, err)
		}
		endpoint = endpoints[0]
	}

	conn, err := dialTCP(ctx, endpoint, log)
	if err != nil {
		return nil, err
	}

	sni := endpoint.SNIName()
	switch endpoint.Mode {
	case discover.DirectTLS:
		tlsConn, err := tlsconn.Upgrade(ctx, conn, sni, endpoint.Host, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	default:
		tlsConn, err := starttls.Negotiate(ctx, conn, sni, endpoint.Host, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}

func dialTCP(ctx context.Context, endpoint discover.Endpoint, log zerolog.Logger) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(endpoint.Host, strconv.FormatUint(uint64(endpoint.Port), 10))
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		kind := classifyDialErr(err)
		log.Debug().Err(err).Str("addr", addr).Str("mode", endpoint.Mode.String()).Str("classification", string(kind)).Msg("tcp connect failed")
		return nil, gatewayerr.New(kind, err)
	}
	return conn, nil
}

func classifyDialErr(err error) gatewayerr.Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gatewayerr.ConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return gatewayerr.ConnectRefused
	}
	return gatewayerr.ConnectOther
}
