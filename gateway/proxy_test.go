// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package gateway_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/processone/fluux-messenger/gateway"
	"github.com/processone/fluux-messenger/gateway/internal/tlsconn"
)

// selfSignedCert generates a throwaway certificate so these direct-TLS
// fakes don't depend on an embedded fixture's expiry, mirroring
// internal/tlsconn's own test helper.
func selfSignedCert(t *testing.T, commonName string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// fakeDirectTLSServer starts a direct-TLS upstream fake, standing in for
// the XMPP server a Proxy dials via parseaddr/tlsconn. It requires
// tlsconn.SetInsecure(true), since the certificate it presents is
// throwaway and self-signed.
func fakeDirectTLSServer(t *testing.T) (addr string, conns <-chan net.Conn) {
	t.Helper()
	tlsconn.SetInsecure(true)
	t.Cleanup(func() { tlsconn.SetInsecure(false) })

	cert := selfSignedCert(t, "upstream.example")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
			if err := srv.Handshake(); err != nil {
				conn.Close()
				continue
			}
			ch <- srv
		}
	}()
	return ln.Addr().String(), ch
}

func dialProxyWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	origin := "http://" + strings.TrimSuffix(strings.TrimPrefix(wsURL, "ws://"), "/")
	ws, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		t.Fatalf("dial proxy websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// TestProxyStartIsIdempotentForSameInput confirms a second Start call with
// the same server_input returns the existing URL without rebinding.
func TestProxyStartIsIdempotentForSameInput(t *testing.T) {
	addr, _ := fakeDirectTLSServer(t)
	p := gateway.New(zerolog.Nop(), nil)
	t.Cleanup(func() { p.Stop() })

	url1, err := p.Start("tls://" + addr)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	url2, err := p.Start("tls://" + addr)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if url1 != url2 {
		t.Errorf("Start returned different URLs for the same input: %q vs %q", url1, url2)
	}
}

// TestProxyStartRebindsOnDifferentInput confirms switching server_input
// tears down the old listener and binds a new one.
func TestProxyStartRebindsOnDifferentInput(t *testing.T) {
	addr1, _ := fakeDirectTLSServer(t)
	addr2, _ := fakeDirectTLSServer(t)
	p := gateway.New(zerolog.Nop(), nil)
	t.Cleanup(func() { p.Stop() })

	url1, err := p.Start("tls://" + addr1)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	url2, err := p.Start("tls://" + addr2)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if url1 == url2 {
		t.Errorf("Start with a different server_input reused the same URL: %q", url1)
	}

	// The old listener must be gone: dialing it should now fail.
	if _, err := net.DialTimeout("tcp", strings.TrimSuffix(strings.TrimPrefix(url1, "ws://"), "/"), time.Second); err == nil {
		t.Error("old listener still accepting connections after Start rebound to a new input")
	}
}

// TestProxyStopIsIdempotentAndClearsActiveConnections confirms Stop is safe
// to call when nothing is running, and that ActiveConnections returns to 0
// once a bridged connection's peer closes.
func TestProxyStopIsIdempotentAndClearsActiveConnections(t *testing.T) {
	p := gateway.New(zerolog.Nop(), nil)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop on a never-started proxy: %v", err)
	}

	addr, conns := fakeDirectTLSServer(t)
	url, err := p.Start("tls://" + addr)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ws := dialProxyWS(t, url)
	if err := websocket.Message.Send(ws, `<open xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`); err != nil {
		t.Fatalf("send open frame: %v", err)
	}

	var upstream net.Conn
	select {
	case upstream = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never dialed the upstream server")
	}
	t.Cleanup(func() { upstream.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.ActiveConnections() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.ActiveConnections(); got != 1 {
		t.Fatalf("ActiveConnections = %d, want 1 once a client connected", got)
	}

	ws.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.ActiveConnections() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.ActiveConnections(); got != 0 {
		t.Errorf("ActiveConnections = %d after client closed, want 0", got)
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop on an already-stopped proxy: %v", err)
	}
}

// TestProxyStopClosesLiveBridgesPromptly confirms Stop tears down a live
// bridge rather than leaving it to its own watchdog timeout.
func TestProxyStopClosesLiveBridgesPromptly(t *testing.T) {
	addr, conns := fakeDirectTLSServer(t)
	p := gateway.New(zerolog.Nop(), nil)

	url, err := p.Start("tls://" + addr)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ws := dialProxyWS(t, url)
	if err := websocket.Message.Send(ws, `<open xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`); err != nil {
		t.Fatalf("send open frame: %v", err)
	}
	select {
	case <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never dialed the upstream server")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Stop did not return promptly")
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply string
	if err := websocket.Message.Receive(ws, &reply); err == nil {
		t.Error("expected the client connection to be closed after Stop")
	}
}
