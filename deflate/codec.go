// File: deflate/codec.go
// Package deflate implements permessage-deflate (RFC 7692) negotiation and
// the per-message compression codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Both directions run raw DEFLATE. The compressor sync-flushes after every
// message and strips the trailing empty stored block; the decompressor
// appends that block back, plus a final block so the flate reader terminates
// cleanly, and maintains its own sliding window when context takeover is in
// effect.

package deflate

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// messageTail is the empty stored block a sync flush emits; RFC 7692 §7.2.1
// removes it from every transmitted message.
var messageTail = []byte{0x00, 0x00, 0xff, 0xff}

// finalBlock is an empty stored block with BFINAL set, appended before
// inflating so the stream ends with io.EOF instead of io.ErrUnexpectedEOF.
var finalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// windowSize is the DEFLATE sliding window (2^15).
const windowSize = 32768

// MessageDeflater compresses one outbound message at a time.
type MessageDeflater struct {
	buf               bytes.Buffer
	fw                *flate.Writer
	noContextTakeover bool
}

// NewMessageDeflater builds the outbound half of the codec.
func NewMessageDeflater(noContextTakeover bool) (*MessageDeflater, error) {
	d := &MessageDeflater{noContextTakeover: noContextTakeover}
	fw, err := flate.NewWriter(&d.buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	d.fw = fw
	return d, nil
}

// Deflate compresses a whole message payload and strips the trailing
// 00 00 ff ff. When no-context-takeover applies the sliding window is
// dropped afterwards.
func (d *MessageDeflater) Deflate(p []byte) ([]byte, error) {
	d.buf.Reset()
	if _, err := d.fw.Write(p); err != nil {
		return nil, fmt.Errorf("deflate write: %w", err)
	}
	if err := d.fw.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}
	out := d.buf.Bytes()
	if len(out) >= len(messageTail) && bytes.Equal(out[len(out)-len(messageTail):], messageTail) {
		out = out[:len(out)-len(messageTail)]
	}
	if d.noContextTakeover {
		d.fw.Reset(&d.buf)
	}
	if len(out) == 0 {
		// An empty deflate body is not a valid block sequence; emit one
		// empty non-final block instead.
		return []byte{0x00}, nil
	}
	res := make([]byte, len(out))
	copy(res, out)
	return res, nil
}

// MessageInflater decompresses one inbound message at a time.
type MessageInflater struct {
	src               *bytes.Reader
	fr                io.ReadCloser
	window            []byte
	noContextTakeover bool
}

// NewMessageInflater builds the inbound half of the codec.
func NewMessageInflater(noContextTakeover bool) *MessageInflater {
	i := &MessageInflater{
		src:               bytes.NewReader(nil),
		noContextTakeover: noContextTakeover,
	}
	i.fr = flate.NewReader(i.src)
	return i
}

// Inflate reverses Deflate for one message. With context takeover the last
// 32 KiB of decompressed output is carried over as the dictionary for the
// next message.
func (i *MessageInflater) Inflate(p []byte) ([]byte, error) {
	data := make([]byte, 0, len(p)+len(messageTail)+len(finalBlock))
	data = append(data, p...)
	data = append(data, messageTail...)
	data = append(data, finalBlock...)
	i.src.Reset(data)

	var dict []byte
	if !i.noContextTakeover {
		dict = i.window
	}
	if err := i.fr.(flate.Resetter).Reset(i.src, dict); err != nil {
		return nil, fmt.Errorf("inflate reset: %w", err)
	}
	out, err := io.ReadAll(i.fr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if !i.noContextTakeover {
		i.push(out)
	}
	return out, nil
}

// push appends decompressed output to the sliding window, keeping the last
// windowSize bytes.
func (i *MessageInflater) push(out []byte) {
	if len(out) >= windowSize {
		i.window = append(i.window[:0], out[len(out)-windowSize:]...)
		return
	}
	if excess := len(i.window) + len(out) - windowSize; excess > 0 {
		n := copy(i.window, i.window[excess:])
		i.window = i.window[:n]
	}
	i.window = append(i.window, out...)
}
