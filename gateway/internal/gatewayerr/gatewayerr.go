// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package gatewayerr classifies the errors the gateway can raise into a
// small set of kinds a caller can branch on, independent of the underlying
// cause.
package gatewayerr

import "errors"

// Kind identifies the disposition of an Error without requiring the caller
// to string-match its message.
type Kind string

const (
	// Configuration covers setup failures: no OS root certificates. A change
	// of the insecure-TLS flag after handshakes have started is not detected
	// and raises no error of this kind.
	Configuration Kind = "configuration_error"

	// Resolution covers DNS subsystem failures during SRV lookup.
	Resolution Kind = "resolution_error"

	// ConnectTimeout is a TCP connect that exceeded its deadline.
	ConnectTimeout Kind = "tcp_connect_timeout"

	// ConnectRefused is an OS-level ECONNREFUSED on TCP connect.
	ConnectRefused Kind = "tcp_connect_refused"

	// ConnectOther is any other OS-level TCP connect failure.
	ConnectOther Kind = "tcp_connect_other"

	// TLSHandshake is a certificate validation failure during the TLS
	// handshake. Other handshake failures are classified as ConnectTimeout,
	// ConnectRefused, or ConnectOther by their error message.
	TLSHandshake Kind = "tls_handshake_error"

	// StartTLSProtocol is a STARTTLS negotiation that received something
	// other than what it expected: a missing <starttls/> feature, a
	// <failure/>, or an unrelated stanza in between.
	StartTLSProtocol Kind = "starttls_protocol_error"

	// StartTLSTimeout is a STARTTLS read phase that exceeded its deadline.
	StartTLSTimeout Kind = "starttls_timeout"

	// InitialStanzaTimeout is exceeded waiting for the first frame from the
	// local WebSocket client.
	InitialStanzaTimeout Kind = "initial_stanza_timeout"

	// BufferOverflow is raised when the upstream-to-client buffer exceeds
	// its cap.
	BufferOverflow Kind = "buffer_overflow"

	// WebSocketReadError covers both a WebSocket read failure and a write
	// failure discovered while relaying to the WebSocket (in the latter
	// case the WS peer is presumed gone).
	WebSocketReadError Kind = "websocket_read_error"

	// UpstreamClosed means the upstream TLS/TCP connection reached EOF.
	UpstreamClosed Kind = "upstream_closed"

	// UpstreamReadError is any other upstream read failure, or a failure to
	// write to the upstream connection.
	UpstreamReadError Kind = "upstream_read_error"

	// WatchdogTimeout is raised when a bridge sees no activity in either
	// direction for too long.
	WatchdogTimeout Kind = "watchdog_timeout"

	// PeerClosedNormally means the local WebSocket client sent a Close
	// frame; not an error condition, but reported through the same type so
	// callers have one thing to switch on.
	PeerClosedNormally Kind = "peer_closed_normally"

	// Shutdown means the bridge was torn down by a call to Stop or process
	// exit, not by any failure.
	Shutdown Kind = "shutdown"
)

// Error pairs a Kind with the underlying cause, if any. Two Errors with the
// same Kind but different Err are still distinguishable by errors.Is against
// their causes (gatewayerr.Is compares only the Kind), but callers
// that only care about disposition should switch on Kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error satisfies the builtin error interface, returning the Kind and, when
// present, the wrapped cause.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error of the given kind wrapping cause, which may be
// nil for kinds that are not really failures (PeerClosedNormally, Shutdown).
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Is reports whether err is a gatewayerr.Error of the given kind, unwrapping
// through any wrapping in between.
func Is(err error, kind Kind) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == kind
}
