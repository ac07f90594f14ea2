// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza extracts complete top-level XMPP stanzas and stream control
// elements from a growing byte buffer read off a raw TCP or TLS connection.
//
// The extractor never copies or re-encodes XML: it locates byte ranges with
// encoding/xml's decoder (which tracks input offsets for us) and returns
// slices of the caller's own buffer, so callers get exact wire bytes back,
// entities, CDATA, and quoting style included.
package stanza

import (
	"bytes"
	"encoding/xml"
	"io"
)

// Result is the outcome of a single Extract call.
type Result struct {
	// Stanza is the raw bytes of the extracted element, a slice of the
	// buffer passed to Extract. It is nil when Needed reports more bytes are
	// required.
	Stanza []byte

	// Consumed is the number of leading bytes of the input buffer that the
	// stanza occupied, including any leading whitespace or XML declaration
	// that preceded it.
	Consumed int

	// Needed is true when buf holds an incomplete element and the caller
	// must read more bytes off the wire before calling Extract again. No
	// bytes are consumed in this case.
	Needed bool
}

const streamName = "stream:stream"
const streamClose = "</stream:stream>"

// Extract looks at the start of buf and returns either the next complete
// top-level stanza (an XMPP stanza such as <iq/>, <message/>, <presence/>, or
// a stream-management element like <r/>/<a/>), a stream-control element
// (<stream:stream ...> opening, or </stream:stream> closing), or reports
// that more bytes are needed.
//
// Extract is a pure function of buf: it holds no state across calls, so the
// caller is responsible for re-slicing buf by Consumed and calling again to
// drain multiple back-to-back elements. It is O(bytes consumed) per call;
// draining N stanzas from one buffer costs O(total bytes), not O(N^2), as
// long as the caller tracks one cumulative offset rather than repeatedly
// discarding a front slice.
func Extract(buf []byte) Result {
	lead := skipLeadingSpace(buf)
	if lead >= len(buf) {
		return Result{Needed: true}
	}
	rest := buf[lead:]

	if end, ok := scanStreamOpen(rest); ok {
		return Result{Stanza: buf[:lead+end], Consumed: lead + end}
	}
	if bytes.HasPrefix(rest, []byte(streamClose)) {
		n := lead + len(streamClose)
		return Result{Stanza: buf[:n], Consumed: n}
	}
	if bytes.HasPrefix(rest, []byte("</")) {
		// Any other bare top-level end element with no matching start in
		// this buffer is not something we can make sense of; wait for more
		// data rather than guessing.
		return Result{Needed: true}
	}

	return extractElement(buf)
}

// skipLeadingSpace returns the index of the first non-whitespace byte, or
// len(buf) if the buffer is all whitespace.
func skipLeadingSpace(buf []byte) int {
	for i, b := range buf {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return i
		}
	}
	return len(buf)
}

// scanStreamOpen recognizes a leading optional "<?xml ...?>" declaration
// followed by a "<stream:stream ...>" start tag, and returns the offset (in
// rest) of the byte just past the closing '>' of the start tag. It does not
// require the "stream" prefix to be a declared namespace; it matches the
// literal tag name.
func scanStreamOpen(rest []byte) (int, bool) {
	pos := 0
	if bytes.HasPrefix(rest, []byte("<?xml")) {
		end, ok := scanTagEnd(rest)
		if !ok {
			return 0, false
		}
		pos = end
		pos += skipLeadingSpace(rest[pos:])
	}
	tail := rest[pos:]
	if !bytes.HasPrefix(tail, []byte("<"+streamName)) {
		return 0, false
	}
	// Guard against e.g. "<stream:streamer>" matching our prefix check.
	if len(tail) > len("<"+streamName) {
		c := tail[len("<"+streamName)]
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' && c != '>' && c != '/' {
			return 0, false
		}
	}
	end, ok := scanTagEnd(tail)
	if !ok {
		return 0, false
	}
	return pos + end, true
}

// scanTagEnd finds the end of the tag rest starts with (the index just past
// its closing '>'), being careful not to stop at a '>' embedded in a quoted
// attribute value. It reports ok=false if the tag is not yet complete.
func scanTagEnd(rest []byte) (int, bool) {
	var quote byte
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '>':
			return i + 1, true
		}
	}
	return 0, false
}

// extractElement runs the depth-counting state machine over buf using a
// permissive, pull-style XML decoder: no namespace prefix needs to be
// declared (an unresolved "stream:" prefix simply becomes the literal
// space "stream", which Go's encoding/xml already does by default), and
// self-closing tags are handled for free because the decoder synthesizes a
// matching EndElement for them without consuming more input.
func extractElement(buf []byte) Result {
	d := xml.NewDecoder(bytes.NewReader(buf))

	var (
		depth       int
		inStanza    bool
		stanzaStart int64
		offset      int64
	)

	for {
		offset = d.InputOffset()
		tok, err := d.Token()
		if err != nil {
			// EOF (clean or mid-tag) and any other decode error both mean
			// "not enough bytes yet" from this extractor's point of view;
			// there is no fourth outcome besides NeedMore/stream-control/
			// top-level-element.
			if err == io.EOF && !inStanza && depth == 0 {
				return Result{Needed: true}
			}
			return Result{Needed: true}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			_ = t
			if depth == 0 {
				inStanza = true
				stanzaStart = offset
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 && inStanza {
				end := d.InputOffset()
				return Result{
					Stanza:   buf[stanzaStart:end],
					Consumed: int(end),
				}
			}
		case xml.CharData, xml.Comment, xml.ProcInst, xml.Directive:
			// No depth impact; CDATA/entities inside a stanza and
			// declarations/comments between stanzas are both transparent
			// to the extractor.
		}
	}
}
