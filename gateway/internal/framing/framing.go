// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package framing maps between RFC 7395 WebSocket XMPP framing
// (<open/>/<close/> and bare top-level elements) and the traditional
// RFC 6120 stream framing (<stream:stream>/</stream:stream> and
// stream:-prefixed stream-level elements) used by plain TCP XMPP servers.
//
// Both directions are pure, allocation-avoiding functions: a frame that
// needs no rewriting is returned as the same slice that was passed in, and
// only a frame that must be rewritten causes a new slice to be allocated.
package framing

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

const framingNS = "urn:ietf:params:xml:ns:xmpp-framing"
const streamNS = "http://etherx.jabber.org/streams"

// WSToTCP translates one WebSocket text frame into bytes suitable for
// writing to the traditional TCP stream. <open/> becomes a stream header,
// <close/> becomes a stream close tag, and anything else passes through
// unchanged.
func WSToTCP(frame []byte) []byte {
	trimmed := bytes.TrimSpace(frame)
	switch {
	case hasTagPrefix(trimmed, "open"):
		return openToStreamHeader(trimmed)
	case hasTagPrefix(trimmed, "close"):
		return []byte("</stream:stream>")
	default:
		return frame
	}
}

// TCPToWS translates bytes read off the traditional TCP stream into a
// WebSocket text frame. A stream close tag becomes <close/>, a stream
// header becomes <open/>, other stream:-prefixed elements (<stream:features>,
// <stream:error>, ...) are rewritten to drop the unresolvable "stream:"
// prefix and gain an explicit xmlns, and anything else passes through
// unchanged.
func TCPToWS(frame []byte) []byte {
	trimmed := bytes.TrimSpace(frame)
	switch {
	case string(trimmed) == "</stream:stream>":
		return []byte(`<close xmlns="` + framingNS + `"/>`)
	case isStreamHeader(trimmed):
		return streamHeaderToOpen(trimmed)
	case bytes.HasPrefix(trimmed, []byte("<stream:")):
		return rewriteStreamPrefix(trimmed)
	default:
		return frame
	}
}

// hasTagPrefix reports whether buf opens with "<name" followed by a space,
// '>', or '/' (so "<open" does not also match "<opener").
func hasTagPrefix(buf []byte, name string) bool {
	prefix := "<" + name
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return false
	}
	if len(buf) == len(prefix) {
		return true
	}
	switch buf[len(prefix)] {
	case ' ', '\t', '\r', '\n', '>', '/':
		return true
	default:
		return false
	}
}

// isStreamHeader reports whether buf opens with a <stream:stream> start tag,
// optionally preceded by an <?xml ...?> declaration.
func isStreamHeader(buf []byte) bool {
	if bytes.HasPrefix(buf, []byte("<?xml")) {
		end := bytes.Index(buf, []byte("?>"))
		if end < 0 {
			return false
		}
		buf = bytes.TrimLeft(buf[end+2:], " \t\r\n")
	}
	return hasTagPrefix(buf, "stream:stream")
}

// firstElement decodes the opening start tag of buf, tolerant of either
// quote style on attributes and of a leading <?xml ...?> declaration. It
// does not require the tag to be closed or the document to be well-formed
// beyond that one tag.
func firstElement(buf []byte) (xml.StartElement, error) {
	d := xml.NewDecoder(bytes.NewReader(buf))
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

func attrValue(attrs []xml.Attr, space, local string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == local && (space == "" || a.Name.Space == space) {
			return a.Value, true
		}
	}
	return "", false
}

// openToStreamHeader implements spec.md §4.6.1: <open .../> becomes an XML
// declaration plus a jabber:client stream header. Only to, version, and
// xml:lang survive; version defaults to "1.0".
func openToStreamHeader(buf []byte) []byte {
	start, err := firstElement(buf)
	if err != nil {
		// Malformed <open/>; nothing sensible to translate, so hand the
		// caller back their own bytes rather than fail silently.
		return buf
	}

	var b strings.Builder
	b.WriteString(`<?xml version='1.0'?><stream:stream `)
	if to, ok := attrValue(start.Attr, "", "to"); ok {
		fmt.Fprintf(&b, "to='%s' ", escapeAttr(to))
	}
	version := "1.0"
	if v, ok := attrValue(start.Attr, "", "version"); ok && v != "" {
		version = v
	}
	fmt.Fprintf(&b, "version='%s' ", escapeAttr(version))
	if lang, ok := attrValue(start.Attr, "http://www.w3.org/XML/1998/namespace", "lang"); ok {
		if tag, err := language.Parse(lang); err == nil {
			lang = tag.String()
		}
		fmt.Fprintf(&b, "xml:lang='%s' ", escapeAttr(lang))
	}
	b.WriteString(`xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`)
	return []byte(b.String())
}

// streamHeaderToOpen implements spec.md §4.6.2's stream-header case:
// <stream:stream ...> (with an optional leading XML declaration) becomes
// <open/>. The jabber:client and xmlns:stream declarations are dropped; to,
// from, id, version, and xml:lang are preserved when present.
func streamHeaderToOpen(buf []byte) []byte {
	start, err := firstElement(buf)
	if err != nil {
		return buf
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<open xmlns="%s"`, framingNS)
	for _, pair := range []struct{ space, local, out string }{
		{"", "to", "to"},
		{"", "from", "from"},
		{"", "id", "id"},
		{"", "version", "version"},
		{"http://www.w3.org/XML/1998/namespace", "lang", "xml:lang"},
	} {
		if v, ok := attrValue(start.Attr, pair.space, pair.local); ok && v != "" {
			fmt.Fprintf(&b, ` %s="%s"`, pair.out, escapeAttr(v))
		}
	}
	b.WriteString("/>")
	return []byte(b.String())
}

// rewriteStreamPrefix drops the unresolvable "stream:" namespace prefix from
// elements like <stream:features> and <stream:error> (and any elements
// nested under them) by turning "<stream:" into "<" and "</stream:" into
// "</", then injecting an explicit xmlns on the root element if it doesn't
// already carry one of its own. RFC 7395 frames are standalone fragments, so
// a prefix that relied on the now-discarded enclosing <stream:stream> to
// resolve it would otherwise be meaningless to the WebSocket client.
func rewriteStreamPrefix(buf []byte) []byte {
	rewritten := strings.NewReplacer("</stream:", "</", "<stream:", "<").Replace(string(buf))
	if hasXMLNS(rewritten) {
		return []byte(rewritten)
	}
	return []byte(injectXMLNS(rewritten, streamNS))
}

// hasXMLNS reports whether the root element's opening tag already declares
// a default namespace.
func hasXMLNS(s string) bool {
	end := tagEnd(s)
	if end < 0 {
		end = len(s)
	}
	return strings.Contains(s[:end], "xmlns=")
}

// tagEnd finds the index just past the root element's closing '>', quote
// aware so a '>' inside an attribute value doesn't fool it.
func tagEnd(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}

// tagNameEnd finds the index just past the root element's tag name (i.e.
// right before its first attribute, or its closing '>'/'/>').
func tagNameEnd(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n', '>', '/':
			return i
		}
	}
	return len(s)
}

func injectXMLNS(s, ns string) string {
	at := tagNameEnd(s)
	return s[:at] + ` xmlns="` + ns + `"` + s[at:]
}

var attrEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`'`, "&apos;",
	`"`, "&quot;",
	`<`, "&lt;",
	`>`, "&gt;",
)

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}
