// File: httpmsg/parser.go
// Package httpmsg implements the minimal incremental HTTP/1.1 message codec
// that carries the WebSocket opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Parser is append-and-poll: feed it bytes as they arrive, poll for one of
// incomplete / complete / invalid. Bytes past the end of a complete message
// stay available through Tail; for an upgrade exchange those are the first
// WebSocket frame bytes.

package httpmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ParseStatus is the outcome of a Poll.
type ParseStatus uint8

const (
	ParseIncomplete ParseStatus = iota
	ParseComplete
	ParseInvalid
)

type parserState uint8

const (
	stateStartLine parserState = iota
	stateHeaders
	stateBodyLength
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateChunkTrailer
	stateUnbounded
	stateComplete
	stateInvalid
)

// Parser is an incremental HTTP/1.1 message parser.
type Parser struct {
	expectResponse bool

	buf    []byte
	sawEOF bool

	state parserState
	msg   *Message

	rawHeaders [][2]string

	bodyRemaining  int64
	chunkRemaining int64
	body           []byte

	tail   []byte
	reason string
}

// NewRequestParser returns a parser expecting a request.
func NewRequestParser() *Parser {
	return &Parser{msg: &Message{Kind: KindRequest}}
}

// NewResponseParser returns a parser expecting a response.
func NewResponseParser() *Parser {
	return &Parser{expectResponse: true, msg: &Message{Kind: KindResponse}}
}

// Append adds inbound bytes.
func (p *Parser) Append(b []byte) {
	if p.state == stateComplete || p.state == stateInvalid {
		p.tail = append(p.tail, b...)
		return
	}
	p.buf = append(p.buf, b...)
}

// SignalEOF marks the end of the byte stream. An unbounded-content response
// completes here; any other unfinished message becomes invalid.
func (p *Parser) SignalEOF() {
	p.sawEOF = true
}

// Message returns the parsed message once Poll has reported ParseComplete.
// The head fields are already populated when HeadersDone reports true.
func (p *Parser) Message() *Message { return p.msg }

// HeadersDone reports whether the start line and header block parsed
// successfully; the body may still be outstanding. A redirect response can
// be acted on at this point without waiting for its body.
func (p *Parser) HeadersDone() bool {
	return p.state >= stateBodyLength && p.state != stateInvalid
}

// Tail returns unconsumed bytes following a complete message.
func (p *Parser) Tail() []byte { return p.tail }

// InvalidReason describes why the message was rejected.
func (p *Parser) InvalidReason() string { return p.reason }

func (p *Parser) fail(format string, args ...any) ParseStatus {
	p.state = stateInvalid
	p.reason = fmt.Sprintf(format, args...)
	return ParseInvalid
}

// readLine extracts one line terminated by LF, tolerating a preceding CR.
func (p *Parser) readLine() (string, bool) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := p.buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	s := string(line)
	p.buf = p.buf[i+1:]
	return s, true
}

// Poll advances the state machine as far as the buffered bytes allow.
func (p *Parser) Poll() ParseStatus {
	for {
		switch p.state {
		case stateStartLine:
			line, ok := p.readLine()
			if !ok {
				return p.incomplete()
			}
			if line == "" {
				continue // tolerate empty lines before the start line
			}
			if st := p.parseStartLine(line); st != ParseIncomplete {
				return st
			}
			p.state = stateHeaders

		case stateHeaders:
			line, ok := p.readLine()
			if !ok {
				return p.incomplete()
			}
			if line == "" {
				if st := p.finishHeaders(); st != ParseIncomplete {
					return st
				}
				continue
			}
			if line[0] == ' ' || line[0] == '\t' {
				// Folded continuation line.
				if len(p.rawHeaders) == 0 {
					return p.fail("continuation line before first header")
				}
				last := &p.rawHeaders[len(p.rawHeaders)-1]
				last[1] = last[1] + " " + strings.TrimSpace(line)
				continue
			}
			colon := strings.IndexByte(line, ':')
			if colon <= 0 {
				return p.fail("malformed header line %q", line)
			}
			name := strings.ToLower(strings.TrimSpace(line[:colon]))
			value := strings.TrimSpace(line[colon+1:])
			p.rawHeaders = append(p.rawHeaders, [2]string{name, value})

		case stateBodyLength:
			n := int64(len(p.buf))
			if n > p.bodyRemaining {
				n = p.bodyRemaining
			}
			p.body = append(p.body, p.buf[:n]...)
			p.buf = p.buf[n:]
			p.bodyRemaining -= n
			if p.bodyRemaining > 0 {
				return p.incomplete()
			}
			return p.complete()

		case stateChunkSize:
			line, ok := p.readLine()
			if !ok {
				return p.incomplete()
			}
			size := line
			if i := strings.IndexByte(size, ';'); i >= 0 {
				size = size[:i]
			}
			n, err := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
			if err != nil || n < 0 {
				return p.fail("bad chunk size %q", line)
			}
			if n == 0 {
				p.state = stateChunkTrailer
				continue
			}
			p.chunkRemaining = n
			p.state = stateChunkData

		case stateChunkData:
			n := int64(len(p.buf))
			if n > p.chunkRemaining {
				n = p.chunkRemaining
			}
			p.body = append(p.body, p.buf[:n]...)
			p.buf = p.buf[n:]
			p.chunkRemaining -= n
			if p.chunkRemaining > 0 {
				return p.incomplete()
			}
			p.state = stateChunkDataEnd

		case stateChunkDataEnd:
			line, ok := p.readLine()
			if !ok {
				return p.incomplete()
			}
			if line != "" {
				return p.fail("missing CRLF after chunk data")
			}
			p.state = stateChunkSize

		case stateChunkTrailer:
			line, ok := p.readLine()
			if !ok {
				return p.incomplete()
			}
			if line == "" {
				return p.complete()
			}
			// Trailer headers are consumed and dropped.

		case stateUnbounded:
			p.body = append(p.body, p.buf...)
			p.buf = nil
			if p.sawEOF {
				return p.complete()
			}
			return ParseIncomplete

		case stateComplete:
			return ParseComplete

		case stateInvalid:
			return ParseInvalid
		}
	}
}

func (p *Parser) incomplete() ParseStatus {
	if p.sawEOF {
		return p.fail("unexpected end of stream")
	}
	return ParseIncomplete
}

func (p *Parser) complete() ParseStatus {
	p.msg.Body = p.body
	p.tail = append(p.tail, p.buf...)
	p.buf = nil
	p.state = stateComplete
	return ParseComplete
}

func parseVersion(s string) (major, minor int, ok bool) {
	if !strings.HasPrefix(s, "HTTP/") {
		return 0, 0, false
	}
	rest := s[len("HTTP/"):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, errA := strconv.Atoi(rest[:dot])
	minor, errB := strconv.Atoi(rest[dot+1:])
	if errA != nil || errB != nil || major < 0 || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

func (p *Parser) parseStartLine(line string) ParseStatus {
	if p.expectResponse {
		// HTTP/x.y SP status SP reason-phrase
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return p.fail("malformed status line %q", line)
		}
		major, minor, ok := parseVersion(parts[0])
		if !ok {
			return p.fail("bad HTTP version %q", parts[0])
		}
		status, err := strconv.Atoi(parts[1])
		if err != nil || status < 100 || status > 999 {
			return p.fail("bad status code %q", parts[1])
		}
		p.msg.VersionMajor, p.msg.VersionMinor = major, minor
		p.msg.Status = status
		if len(parts) == 3 {
			p.msg.ReasonPhrase = parts[2]
		}
		return ParseIncomplete
	}
	// METHOD SP target SP HTTP/x.y
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return p.fail("malformed request line %q", line)
	}
	major, minor, ok := parseVersion(parts[2])
	if !ok {
		return p.fail("bad HTTP version %q", parts[2])
	}
	p.msg.Method = parts[0]
	p.msg.Target = parts[1]
	p.msg.VersionMajor, p.msg.VersionMinor = major, minor
	return ParseIncomplete
}

// finishHeaders lifts the accumulated raw headers into the structured fields
// and decides the body framing.
func (p *Parser) finishHeaders() ParseStatus {
	m := p.msg
	for _, h := range p.rawHeaders {
		name, value := h[0], h[1]
		switch name {
		case "host":
			if m.Host == "" {
				m.Host = value
			}
		case "location":
			if m.Location == "" {
				m.Location = value
			}
		case "upgrade":
			m.Upgrade = append(m.Upgrade, splitCommaList(value)...)
		case "connection":
			m.Connection = append(m.Connection, splitCommaList(value)...)
		case "sec-websocket-key":
			if m.SecWebSocketKey == "" {
				m.SecWebSocketKey = value
			}
		case "sec-websocket-protocol":
			m.SecWebSocketProtocol = append(m.SecWebSocketProtocol, splitCommaList(value)...)
		case "sec-websocket-version":
			m.SecWebSocketVersion = append(m.SecWebSocketVersion, splitCommaList(value)...)
		case "sec-websocket-accept":
			if m.SecWebSocketAccept == "" {
				m.SecWebSocketAccept = value
			}
		case "sec-websocket-extensions":
			m.SecWebSocketExtensions = append(m.SecWebSocketExtensions, SplitHeaderList(value)...)
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return p.fail("bad Content-Length %q", value)
			}
			if m.ContentLength != nil && *m.ContentLength != n {
				return p.fail("conflicting Content-Length headers")
			}
			m.ContentLength = &n
		case "content-type":
			if ct, err := ParseParameterized(value); err == nil {
				m.ContentType = ct
			} else {
				p.foldHeader(name, value)
			}
		case "transfer-encoding":
			m.TransferEncoding = append(m.TransferEncoding, splitCommaList(value)...)
		default:
			p.foldHeader(name, value)
		}
	}

	switch {
	case m.ContentLength != nil:
		p.bodyRemaining = *m.ContentLength
		if p.bodyRemaining == 0 {
			return p.complete()
		}
		p.state = stateBodyLength
	case HeaderContainsToken(m.TransferEncoding, "chunked"):
		p.state = stateChunkSize
	case m.Kind == KindResponse && StatusAllowsContent(m.Status):
		p.state = stateUnbounded
	default:
		return p.complete()
	}
	return ParseIncomplete
}

func (p *Parser) foldHeader(name, value string) {
	if p.msg.Headers == nil {
		p.msg.Headers = make(map[string]string)
	}
	if prev, ok := p.msg.Headers[name]; ok {
		p.msg.Headers[name] = prev + ", " + value
	} else {
		p.msg.Headers[name] = value
	}
}
