// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package starttls_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/processone/fluux-messenger/gateway/internal/gatewayerr"
	"github.com/processone/fluux-messenger/gateway/internal/starttls"
)

// fakeServer reads the client's opening stream header off srv, then writes
// back the scripted bytes in order, one per call.
func fakeServer(t *testing.T, srv net.Conn, replies ...string) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		n, err := srv.Read(buf)
		if err != nil {
			return
		}
		if !bytes.Contains(buf[:n], []byte("<stream:stream")) {
			t.Errorf("fake server did not see a stream header: %q", buf[:n])
		}
		for _, reply := range replies {
			if _, err := srv.Write([]byte(reply)); err != nil {
				return
			}
			// Drain whatever the client sends in response (<starttls/>) before
			// writing the next scripted reply.
			if _, err := srv.Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestNegotiateRejectsMissingStartTLS(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	fakeServer(t, srv,
		`<?xml version='1.0'?><stream:stream from='example.com' id='1' version='1.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`+
			`<stream:features/>`,
	)

	_, err := starttls.Negotiate(context.Background(), client, "example.com", "example.com", zerolog.Nop())
	if err == nil {
		t.Fatal("Negotiate succeeded against features with no starttls")
	}
	if !gatewayerr.Is(err, gatewayerr.StartTLSProtocol) {
		t.Errorf("got %v, want a StartTLSProtocol error", err)
	}
}

func TestNegotiateRejectsFailure(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	fakeServer(t, srv,
		`<?xml version='1.0'?><stream:stream from='example.com' id='1' version='1.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`+
			`<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></stream:features>`,
		`<failure xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`,
	)

	_, err := starttls.Negotiate(context.Background(), client, "example.com", "example.com", zerolog.Nop())
	if err == nil {
		t.Fatal("Negotiate succeeded after server sent <failure/>")
	}
	if !gatewayerr.Is(err, gatewayerr.StartTLSProtocol) {
		t.Errorf("got %v, want a StartTLSProtocol error", err)
	}
}

func TestNegotiateTimesOutWaitingForFeatures(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	go func() {
		buf := make([]byte, 4096)
		// Read the client's open tag and never reply.
		_, _ = srv.Read(buf)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, err := starttls.Negotiate(ctx, client, "example.com", "example.com", zerolog.Nop())
	if err == nil {
		t.Fatal("Negotiate succeeded with a server that never replies")
	}
	if !gatewayerr.Is(err, gatewayerr.StartTLSTimeout) {
		t.Errorf("got %v, want a StartTLSTimeout error", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("Negotiate took %v, want it bounded by the 10s read-phase timeout", elapsed)
	}
}
