// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package gateway

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/processone/fluux-messenger/gateway/internal/framing"
	"github.com/processone/fluux-messenger/gateway/internal/gatewayerr"
	"github.com/processone/fluux-messenger/gateway/internal/stanza"
)

const (
	watchdogPoll      = 30 * time.Second
	watchdogTimeout   = 300 * time.Second
	maxStanzaBuffer   = 1 << 20 // 1 MiB
	closeFrameTimeout = 2 * time.Second
)

// errNotText is returned by textCodec's Unmarshal for any frame that is not
// a Text frame; Binary/Ping/Pong frames are meaningless upstream and are
// simply skipped rather than treated as errors.
var errNotText = errors.New("gateway: non-text websocket frame")

// textCodec receives only Text frames, mirroring the teacher's own
// websocket.Codec{Marshal, Unmarshal} construction for a stateful XMPP
// codec, adapted here to a stateless text-or-skip codec since framing
// translation (not XML re-encoding) does the real work.
var textCodec = websocket.Codec{
	Marshal: func(v interface{}) (data []byte, payloadType byte, err error) {
		return []byte(v.(string)), websocket.TextFrame, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v interface{}) error {
		if payloadType != websocket.TextFrame {
			return errNotText
		}
		*(v.(*string)) = string(data)
		return nil
	},
}

// Bridge ties one accepted WebSocket to one upstream TLS/TCP stream and
// pumps bytes between them, translating framing in both directions, until
// either side closes, the watchdog trips, or the proxy shuts down.
type Bridge struct {
	connID   uint64
	ws       *websocket.Conn
	upstream net.Conn
	shutdown <-chan struct{}
	events   EventSink
	log      zerolog.Logger

	pendingWSTexts []string

	// done is closed once by Run when it tears down, regardless of why, so
	// that watch stops promptly instead of idling on its own timeout or
	// waiting for a proxy-wide shutdown that may never come. The pumps do
	// not watch it; they stop when Run closes their connections.
	done chan struct{}

	wsWriteMu    sync.Mutex
	lastActivity atomic.Int64
}

// NewBridge constructs a Bridge ready to Run. pendingWSTexts holds any
// client Text frames buffered during connection setup, to be flushed
// upstream in order before the steady-state pumps start.
func NewBridge(connID uint64, ws *websocket.Conn, upstream net.Conn, shutdown <-chan struct{}, events EventSink, pendingWSTexts []string, log zerolog.Logger) *Bridge {
	b := &Bridge{
		connID:         connID,
		ws:             ws,
		upstream:       upstream,
		shutdown:       shutdown,
		events:         events,
		pendingWSTexts: pendingWSTexts,
		log:            log,
		done:           make(chan struct{}),
	}
	b.touch()
	return b
}

func (b *Bridge) touch() {
	b.lastActivity.Store(time.Now().UnixMilli())
}

// Run flushes any buffered client frames upstream, then pumps both
// directions until one exits, and reports the outcome. It blocks until the
// bridge is fully torn down.
func (b *Bridge) Run() {
	start := time.Now()
	if err := b.flushPending(); err != nil {
		b.log.Warn().Uint64("conn_id", b.connID).Err(err).Msg("failed to flush buffered client frames upstream")
		b.finish(gatewayerr.New(gatewayerr.UpstreamReadError, err), start)
		return
	}

	wsDone := make(chan error, 1)
	upstreamDone := make(chan error, 1)
	watchdogDone := make(chan error, 1)

	go func() { wsDone <- b.pumpWSToUpstream() }()
	go func() { upstreamDone <- b.pumpUpstreamToWS() }()
	go func() { watchdogDone <- b.watch() }()

	var result error
	select {
	case result = <-wsDone:
	case result = <-upstreamDone:
	case result = <-watchdogDone:
	case <-b.shutdown:
		result = gatewayerr.New(gatewayerr.Shutdown, nil)
	}

	// Signal done first so watch stops promptly instead of idling until the
	// next watchdog poll or a proxy-wide shutdown that may never come.
	close(b.done)

	// Abort the upstream half so a pump still blocked in Read stops holding
	// it; closing is always safe even if the pump already exited on its
	// own. The WebSocket half is closed by sendCloseFrame below, which
	// sends a proper Close frame rather than just dropping the TCP
	// connection.
	b.upstream.Close()

	b.sendCloseFrame()
	b.finish(result, start)
}

func (b *Bridge) flushPending() error {
	for _, text := range b.pendingWSTexts {
		if err := b.writeUpstream([]byte(text)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) writeUpstream(wsText []byte) error {
	tcpBytes := framing.WSToTCP(wsText)
	if _, err := b.upstream.Write(tcpBytes); err != nil {
		return err
	}
	b.touch()
	return nil
}

// pumpWSToUpstream reads Text frames off the WebSocket, translates them,
// and writes them upstream, until the client closes or a read/write fails.
func (b *Bridge) pumpWSToUpstream() error {
	for {
		var text string
		err := textCodec.Receive(b.ws, &text)
		switch {
		case errors.Is(err, errNotText):
			continue
		case err == io.EOF:
			return gatewayerr.New(gatewayerr.PeerClosedNormally, nil)
		case err != nil:
			return gatewayerr.New(gatewayerr.WebSocketReadError, err)
		}
		if err := b.writeUpstream([]byte(text)); err != nil {
			return gatewayerr.New(gatewayerr.UpstreamReadError, err)
		}
	}
}

// pumpUpstreamToWS reads raw bytes off the upstream stream, extracts
// complete stanzas with a running offset (never re-scanning already
// extracted bytes), translates each, and sends it as a WebSocket Text
// frame.
func (b *Bridge) pumpUpstreamToWS() error {
	var buf []byte
	consumed := 0
	tmp := make([]byte, 4096)

	for {
		n, err := b.upstream.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				res := stanza.Extract(buf[consumed:])
				if res.Needed {
					break
				}
				wsFrame := framing.TCPToWS(res.Stanza)
				if sendErr := b.sendWS(string(wsFrame)); sendErr != nil {
					return gatewayerr.New(gatewayerr.WebSocketReadError, sendErr)
				}
				consumed += res.Consumed
				b.touch()
			}
			if len(buf)-consumed > maxStanzaBuffer {
				return gatewayerr.New(gatewayerr.BufferOverflow, nil)
			}
			if consumed > 0 && consumed == len(buf) {
				buf = buf[:0]
				consumed = 0
			}
		}
		if err != nil {
			if err == io.EOF {
				return gatewayerr.New(gatewayerr.UpstreamClosed, nil)
			}
			return gatewayerr.New(gatewayerr.UpstreamReadError, err)
		}
	}
}

func (b *Bridge) watch() error {
	ticker := time.NewTicker(watchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.UnixMilli(b.lastActivity.Load())
			if time.Since(last) > watchdogTimeout {
				return gatewayerr.New(gatewayerr.WatchdogTimeout, nil)
			}
		case <-b.shutdown:
			return gatewayerr.New(gatewayerr.Shutdown, nil)
		case <-b.done:
			return gatewayerr.New(gatewayerr.Shutdown, nil)
		}
	}
}

// sendWS writes a Text frame, serialized against the final close frame the
// supervisor sends during cleanup.
func (b *Bridge) sendWS(text string) error {
	b.wsWriteMu.Lock()
	defer b.wsWriteMu.Unlock()
	return textCodec.Send(b.ws, text)
}

// sendCloseFrame sends a WebSocket Close frame and tears down the
// connection, bounded so a wedged client can never hang cleanup. This is
// what lets an abnormal exit surface to the client promptly instead of
// leaving it to time out its own read.
func (b *Bridge) sendCloseFrame() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wsWriteMu.Lock()
		defer b.wsWriteMu.Unlock()
		_ = b.ws.Close()
	}()
	select {
	case <-done:
	case <-time.After(closeFrameTimeout):
		b.ws.Close()
	}
}

func (b *Bridge) finish(reason error, start time.Time) {
	kind := gatewayerr.Kind("unknown")
	var ge *gatewayerr.Error
	if errors.As(reason, &ge) {
		kind = ge.Kind
	}

	ev := b.log.Info().Uint64("conn_id", b.connID).Str("reason", string(kind)).Dur("elapsed", time.Since(start))
	ev.Msg("bridge closed")

	if kind != gatewayerr.Shutdown && kind != gatewayerr.PeerClosedNormally && b.events != nil {
		b.events.ConnClosed(ConnClosedEvent{ConnID: b.connID, Reason: string(kind)})
	}
}
