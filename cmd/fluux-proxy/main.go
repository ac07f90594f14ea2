// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Command fluux-proxy runs the WebSocket-to-XMPP gateway standalone,
// printing the loopback WebSocket URL a client should connect to and
// bridging to the XMPP server named by -server until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/processone/fluux-messenger/gateway"
	"github.com/processone/fluux-messenger/gateway/internal/tlsconn"
)

func main() {
	app := &cli.App{
		Name:  "fluux-proxy",
		Usage: "bridge a loopback WebSocket to a traditional TCP XMPP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Usage:    "server to connect to: tls://host[:port], tcp://host[:port], host:port, or a bare domain to resolve via SRV",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "dangerous-insecure-tls",
				Usage: "accept any upstream TLS certificate without validation (do not use against untrusted networks)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "console or json",
				Value: "console",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := newLogger(c.String("log-format"))

	if c.Bool("dangerous-insecure-tls") {
		tlsconn.SetInsecure(true)
		log.Warn().Msg("dangerous-insecure-tls is set: upstream certificates will not be validated")
	}

	proxy := gateway.New(log, gateway.EventSinkFunc(func(ev gateway.ConnClosedEvent) {
		log.Warn().Uint64("conn_id", ev.ConnID).Str("reason", ev.Reason).Msg("connection closed abnormally")
	}))

	url, err := proxy.Start(c.String("server"))
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	log.Info().Str("url", url).Msg("fluux-proxy listening; point a WebSocket client here")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	log.Info().Msg("shutting down")
	return proxy.Stop()
}

// newLogger builds a zerolog.Logger writing a human-readable console format
// by default, falling back to structured JSON when format is "json" or the
// output is not a terminal.
func newLogger(format string) zerolog.Logger {
	fi, err := os.Stderr.Stat()
	notTerminal := err == nil && fi.Mode()&os.ModeCharDevice == 0
	if format == "json" || notTerminal {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
