// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

const stopTimeout = 5 * time.Second

// Proxy owns the loopback WebSocket listener and dispatches every accepted
// connection to its own handler. One Proxy is meant to live for the
// lifetime of the embedding process; Start is idempotent for a repeated
// identical server_input, matching the "one proxy per process" contract the
// embedding shell relies on.
type Proxy struct {
	log    zerolog.Logger
	events EventSink

	mu          sync.RWMutex
	serverInput string
	wsURL       string
	listener    net.Listener
	httpServer  *http.Server
	shutdown    chan struct{}

	connIDSeq         atomic.Uint64
	activeConnections atomic.Int64
}

// New constructs a Proxy. events may be nil if the embedding shell does not
// want abnormal-close notifications.
func New(log zerolog.Logger, events EventSink) *Proxy {
	return &Proxy{log: log, events: events}
}

// ActiveConnections reports the number of bridges currently running, for
// diagnostics only; nothing in the gateway enforces a limit on it.
func (p *Proxy) ActiveConnections() int64 {
	return p.activeConnections.Load()
}

// Start binds a loopback listener and begins accepting WebSocket upgrades,
// bridging each one to serverInput. If a proxy is already running with the
// same serverInput and its listener is still bound, Start returns the
// existing URL without any side effects; otherwise any existing proxy is
// stopped first.
func (p *Proxy) Start(serverInput string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil && p.serverInput == serverInput {
		return p.wsURL, nil
	}
	if p.listener != nil {
		p.stopLocked()
	}

	ln, err := bindLoopback()
	if err != nil {
		return "", err
	}

	shutdown := make(chan struct{})
	mux := http.NewServeMux()
	mux.Handle("/", websocket.Handler(func(ws *websocket.Conn) {
		p.handleConnection(ws, serverInput, shutdown)
	}))
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Warn().Err(err).Msg("websocket listener stopped")
		}
	}()

	p.listener = ln
	p.httpServer = srv
	p.shutdown = shutdown
	p.serverInput = serverInput
	p.wsURL = "ws://" + ln.Addr().String() + "/"

	p.log.Info().Str("url", p.wsURL).Msg("gateway listening")
	return p.wsURL, nil
}

// Stop tears down the listener and signals every live bridge to close. It
// is safe to call when no proxy is running.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Proxy) stopLocked() error {
	if p.listener == nil {
		return nil
	}

	close(p.shutdown)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := p.httpServer.Shutdown(ctx)

	p.listener = nil
	p.httpServer = nil
	p.shutdown = nil
	p.wsURL = ""
	p.serverInput = ""
	return err
}

// bindLoopback tries IPv6 loopback first, falling back to IPv4, since some
// hosts have IPv6 disabled entirely.
func bindLoopback() (net.Listener, error) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err == nil {
		return ln, nil
	}
	ln, err4 := net.Listen("tcp4", "127.0.0.1:0")
	if err4 == nil {
		return ln, nil
	}
	return nil, fmt.Errorf("bind loopback listener: ipv6: %w; ipv4: %v", err, err4)
}
