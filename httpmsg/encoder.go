// File: httpmsg/encoder.go
// Package httpmsg implements the minimal incremental HTTP/1.1 message codec
// that carries the WebSocket opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httpmsg

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/momentics/wsendpoint/api"
)

// ErrNotEncodable reports a header or start line that cannot be carried in
// ISO-8859-1.
var ErrNotEncodable = fmt.Errorf("invalid HTTP message: not ISO-8859-1 encodable")

// writeLatin1 appends s as ISO-8859-1 bytes; runes above U+00FF are not
// representable.
func writeLatin1(b *bytes.Buffer, s string) error {
	for _, r := range s {
		if r > 0xFF {
			return ErrNotEncodable
		}
		b.WriteByte(byte(r))
	}
	return nil
}

func writeHeader(b *bytes.Buffer, name, value string) error {
	if err := writeLatin1(b, name); err != nil {
		return err
	}
	b.WriteString(": ")
	if err := writeLatin1(b, value); err != nil {
		return err
	}
	b.WriteString("\r\n")
	return nil
}

// Encode renders the message to wire bytes. Headers are emitted in a fixed
// order (structured first, extras last, extras sorted by name); forbidden
// extra names are dropped silently.
func Encode(m *Message) ([]byte, error) {
	var b bytes.Buffer
	major, minor := m.VersionMajor, m.VersionMinor
	if major == 0 {
		major, minor = 1, 1
	}

	if m.Kind == KindRequest {
		line := fmt.Sprintf("%s %s HTTP/%d.%d\r\n", m.Method, m.Target, major, minor)
		if err := writeLatin1(&b, line); err != nil {
			return nil, err
		}
	} else {
		reason := m.ReasonPhrase
		if reason == "" {
			reason = ReasonPhraseFor(m.Status)
		}
		line := fmt.Sprintf("HTTP/%d.%d %d %s\r\n", major, minor, m.Status, reason)
		if err := writeLatin1(&b, line); err != nil {
			return nil, err
		}
	}

	put := func(name, value string) error { return writeHeader(&b, name, value) }

	if m.Host != "" {
		if err := put("Host", m.Host); err != nil {
			return nil, err
		}
	}
	if m.Location != "" {
		if err := put("Location", m.Location); err != nil {
			return nil, err
		}
	}
	if len(m.Upgrade) > 0 {
		if err := put("Upgrade", strings.Join(m.Upgrade, ", ")); err != nil {
			return nil, err
		}
	}
	if len(m.Connection) > 0 {
		if err := put("Connection", strings.Join(m.Connection, ", ")); err != nil {
			return nil, err
		}
	}
	if m.SecWebSocketKey != "" {
		if err := put("Sec-WebSocket-Key", m.SecWebSocketKey); err != nil {
			return nil, err
		}
	}
	if len(m.SecWebSocketProtocol) > 0 {
		if err := put("Sec-WebSocket-Protocol", strings.Join(m.SecWebSocketProtocol, ", ")); err != nil {
			return nil, err
		}
	}
	if len(m.SecWebSocketVersion) > 0 {
		if err := put("Sec-WebSocket-Version", strings.Join(m.SecWebSocketVersion, ", ")); err != nil {
			return nil, err
		}
	}
	if m.SecWebSocketAccept != "" {
		if err := put("Sec-WebSocket-Accept", m.SecWebSocketAccept); err != nil {
			return nil, err
		}
	}
	if len(m.SecWebSocketExtensions) > 0 {
		if err := put("Sec-WebSocket-Extensions", strings.Join(m.SecWebSocketExtensions, ", ")); err != nil {
			return nil, err
		}
	}
	if m.ContentLength != nil {
		if err := put("Content-Length", strconv.FormatInt(*m.ContentLength, 10)); err != nil {
			return nil, err
		}
	} else if len(m.Body) > 0 {
		if err := put("Content-Length", strconv.Itoa(len(m.Body))); err != nil {
			return nil, err
		}
	}
	if m.ContentType != nil {
		if err := put("Content-Type", m.ContentType.Format()); err != nil {
			return nil, err
		}
	}

	if len(m.Headers) > 0 {
		names := make([]string, 0, len(m.Headers))
		for name := range m.Headers {
			if api.ForbiddenHeaderName(name) {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := put(name, m.Headers[name]); err != nil {
				return nil, err
			}
		}
	}

	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes(), nil
}
