// File: protocol/output_framer.go
// Package protocol implements the RFC 6455 frame codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/deflate"
)

// Encoded is the wire form of one frame: a header buffer and a payload
// buffer, ready for a gather write.
type Encoded struct {
	Buffers    [][]byte
	PayloadLen int64
	Compressed bool
}

// OutputFramer encodes logical frames for one endpoint. Clients mask every
// frame with a fresh nonzero random key; servers never mask. Every outbound
// application message is a single FIN frame.
type OutputFramer struct {
	role     api.Role
	random   api.RandomSource
	deflater *deflate.MessageDeflater
}

// NewOutputFramer builds an encoder for the given role.
func NewOutputFramer(role api.Role, random api.RandomSource) *OutputFramer {
	return &OutputFramer{role: role, random: random}
}

// EnableCompression attaches the negotiated outbound deflater.
func (f *OutputFramer) EnableCompression(d *deflate.MessageDeflater) {
	f.deflater = d
}

// CompressionEnabled reports whether compressed encoding is possible.
func (f *OutputFramer) CompressionEnabled() bool { return f.deflater != nil }

// truncateUTF8 cuts s to at most max bytes on a codepoint boundary.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Encode serializes one frame. compress asks for permessage-deflate on
// text/binary payloads and is ignored unless compression was negotiated.
func (f *OutputFramer) Encode(fr Frame, compress bool) (Encoded, error) {
	var opcode Opcode
	var payload []byte
	switch fr.Kind {
	case FrameText:
		opcode = OpcodeText
		payload = []byte(fr.Text)
	case FrameBinary:
		opcode = OpcodeBinary
		payload = fr.Data
	case FramePing:
		opcode = OpcodePing
		payload = fr.Data
		if len(payload) > maxControlPayload {
			payload = payload[:maxControlPayload]
		}
	case FramePong:
		opcode = OpcodePong
		payload = fr.Data
		if len(payload) > maxControlPayload {
			payload = payload[:maxControlPayload]
		}
	case FrameClose:
		opcode = OpcodeClose
		if fr.HasCode && !fr.Code.Restricted() {
			reason := truncateUTF8(fr.Reason, maxCloseReason)
			payload = make([]byte, 2+len(reason))
			binary.BigEndian.PutUint16(payload, uint16(fr.Code))
			copy(payload[2:], reason)
		}
	default:
		return Encoded{}, fmt.Errorf("frame kind %s is not encodable", fr.Kind)
	}

	compressed := false
	if compress && f.deflater != nil && (fr.Kind == FrameText || fr.Kind == FrameBinary) {
		deflated, err := f.deflater.Deflate(payload)
		if err != nil {
			return Encoded{}, err
		}
		payload = deflated
		compressed = true
	}

	header := make([]byte, 0, 14)
	b0 := byte(finBit) | byte(opcode)
	if compressed {
		b0 |= rsv1Bit
	}
	header = append(header, b0)

	var mask byte
	if f.role == api.RoleClient {
		mask = maskBit
	}
	switch n := len(payload); {
	case n <= 125:
		header = append(header, mask|byte(n))
	case n <= 0xFFFF:
		header = append(header, mask|126)
		header = binary.BigEndian.AppendUint16(header, uint16(n))
	default:
		header = append(header, mask|127)
		header = binary.BigEndian.AppendUint64(header, uint64(n))
	}

	if f.role == api.RoleClient {
		key, err := f.maskKey()
		if err != nil {
			return Encoded{}, err
		}
		header = append(header, key[:]...)
		masked := make([]byte, len(payload))
		copy(masked, payload)
		MaskPayload(masked, key)
		payload = masked
	}

	return Encoded{
		Buffers:    [][]byte{header, payload},
		PayloadLen: int64(len(payload)),
		Compressed: compressed,
	}, nil
}

// maskKey draws a fresh nonzero 32-bit masking key.
func (f *OutputFramer) maskKey() ([4]byte, error) {
	var key [4]byte
	for {
		if err := f.random.Fill(key[:]); err != nil {
			return key, fmt.Errorf("mask key: %w", err)
		}
		if key != ([4]byte{}) {
			return key, nil
		}
	}
}
