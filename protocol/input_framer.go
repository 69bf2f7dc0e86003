// File: protocol/input_framer.go
// Package protocol implements the RFC 6455 frame codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// InputFramer is an append-and-poll byte state machine. It never blocks:
// the owner feeds it transport chunks and drains decoded frames. A fatal
// emission (protocol error or message-too-big) latches the framer; all
// subsequent input is ignored.

package protocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/deflate"
)

type inputState uint8

const (
	stOpcode inputState = iota
	stLength
	stExtLength2
	stExtLength8
	stMaskKey
	stMessagePayload
	stControlPayload
)

// InputFramer decodes the peer's byte stream into frames.
type InputFramer struct {
	role       api.Role
	maxPayload int64
	inflater   *deflate.MessageInflater

	state inputState

	// Current frame header.
	fin     bool
	rsv1    bool
	opcode  Opcode
	masked  bool
	hdrBuf  [8]byte
	hdrNeed int
	hdrGot  int
	maskKey [4]byte
	length  int64
	got     int64

	// Control-frame payload.
	ctrlBuf []byte

	// Fragmented-message reassembly.
	msgActive     bool
	msgOpcode     Opcode
	msgCompressed bool
	msgBuf        []byte
	msgWire       int64

	emitted []Frame
	latched bool
}

// NewInputFramer builds a decoder for the given role. maxPayload bounds the
// accumulated message payload; values <= 0 mean unlimited.
func NewInputFramer(role api.Role, maxPayload int64) *InputFramer {
	if maxPayload <= 0 {
		maxPayload = math.MaxInt64
	}
	return &InputFramer{role: role, maxPayload: maxPayload}
}

// EnableCompression attaches the negotiated inbound inflater; without it any
// RSV1 frame is a protocol error.
func (f *InputFramer) EnableCompression(i *deflate.MessageInflater) {
	f.inflater = i
}

// Next pops the oldest decoded frame.
func (f *InputFramer) Next() (Frame, bool) {
	if len(f.emitted) == 0 {
		return Frame{}, false
	}
	fr := f.emitted[0]
	f.emitted = f.emitted[1:]
	return fr, true
}

func (f *InputFramer) emit(fr Frame) {
	f.emitted = append(f.emitted, fr)
}

func (f *InputFramer) fatal(kind FrameKind, reason string) {
	f.latched = true
	f.emit(Frame{Kind: kind, Reason: reason})
}

func (f *InputFramer) protocolError(reason string) {
	f.fatal(FrameProtocolError, reason)
}

// Append feeds inbound bytes through the state machine.
func (f *InputFramer) Append(b []byte) {
	for len(b) > 0 && !f.latched {
		switch f.state {
		case stOpcode:
			b = f.stepOpcode(b)
		case stLength:
			b = f.stepLength(b)
		case stExtLength2, stExtLength8:
			b = f.stepExtLength(b)
		case stMaskKey:
			b = f.stepMaskKey(b)
		case stMessagePayload:
			b = f.stepMessagePayload(b)
		case stControlPayload:
			b = f.stepControlPayload(b)
		}
	}
}

func (f *InputFramer) stepOpcode(b []byte) []byte {
	c := b[0]
	f.fin = c&finBit != 0
	f.rsv1 = c&rsv1Bit != 0
	f.opcode = Opcode(c & 0x0F)

	if c&(rsv2Bit|rsv3Bit) != 0 {
		f.protocolError(ReasonReservedBits)
		return nil
	}
	if !f.opcode.Known() {
		f.protocolError(ReasonInvalidOpcode)
		return nil
	}
	switch {
	case f.opcode.Control():
		if !f.fin {
			f.protocolError(ReasonFragmentedControl)
			return nil
		}
		if f.rsv1 {
			f.protocolError(ReasonReservedBits)
			return nil
		}
	case f.opcode == OpcodeContinuation:
		if !f.msgActive {
			f.protocolError(ReasonUnexpectedContinuation)
			return nil
		}
		if f.rsv1 {
			// RSV1 belongs on the message-start frame only.
			f.protocolError(ReasonReservedBits)
			return nil
		}
	default: // text or binary
		if f.msgActive {
			f.protocolError(ReasonExpectedContinuation)
			return nil
		}
		if f.rsv1 && f.inflater == nil {
			f.protocolError(ReasonReservedBits)
			return nil
		}
	}
	f.state = stLength
	return b[1:]
}

func (f *InputFramer) stepLength(b []byte) []byte {
	c := b[0]
	f.masked = c&maskBit != 0

	// A masked frame is required from clients and forbidden from servers.
	if f.role == api.RoleServer && !f.masked {
		f.protocolError(ReasonUnmaskedForbidden)
		return nil
	}
	if f.role == api.RoleClient && f.masked {
		f.protocolError(ReasonMaskedForbidden)
		return nil
	}

	switch n := c & 0x7F; n {
	case 126:
		f.state = stExtLength2
		f.hdrNeed, f.hdrGot = 2, 0
	case 127:
		f.state = stExtLength8
		f.hdrNeed, f.hdrGot = 8, 0
	default:
		f.length = int64(n)
		if !f.lengthAccepted() {
			return nil
		}
		f.advanceToPayload()
	}
	return b[1:]
}

func (f *InputFramer) stepExtLength(b []byte) []byte {
	n := copy(f.hdrBuf[f.hdrGot:f.hdrNeed], b)
	f.hdrGot += n
	if f.hdrGot < f.hdrNeed {
		return nil
	}
	if f.hdrNeed == 2 {
		f.length = int64(binary.BigEndian.Uint16(f.hdrBuf[:2]))
	} else {
		v := binary.BigEndian.Uint64(f.hdrBuf[:8])
		if v > math.MaxInt64 {
			f.protocolError(ReasonInvalidLength)
			return nil
		}
		f.length = int64(v)
	}
	if !f.lengthAccepted() {
		return nil
	}
	f.advanceToPayload()
	return b[n:]
}

// lengthAccepted applies the control-frame cap and the maximum-payload
// policy before any payload byte is buffered.
func (f *InputFramer) lengthAccepted() bool {
	if f.opcode.Control() {
		if f.length > maxControlPayload {
			f.protocolError(ReasonControlTooLong)
			return false
		}
		return true
	}
	// msgBuf still holds the previous message's bytes until the next
	// message-start reuses it; only a continuation counts it.
	var accumulated int64
	if f.msgActive {
		accumulated = int64(len(f.msgBuf))
	}
	if f.length > f.maxPayload-accumulated {
		f.fatal(FrameMessageTooBig, ReasonMessageTooBig)
		return false
	}
	return true
}

func (f *InputFramer) advanceToPayload() {
	if f.masked {
		f.state = stMaskKey
		f.hdrNeed, f.hdrGot = 4, 0
		return
	}
	f.beginPayload()
}

func (f *InputFramer) stepMaskKey(b []byte) []byte {
	n := copy(f.maskKey[f.hdrGot:], b)
	f.hdrGot += n
	if f.hdrGot < 4 {
		return nil
	}
	f.beginPayload()
	return b[n:]
}

func (f *InputFramer) beginPayload() {
	f.got = 0
	if f.opcode.Control() {
		f.ctrlBuf = f.ctrlBuf[:0]
		f.state = stControlPayload
		if f.length == 0 {
			f.finishControl()
		}
		return
	}
	if !f.msgActive {
		f.msgActive = true
		f.msgOpcode = f.opcode
		f.msgCompressed = f.rsv1
		f.msgBuf = f.msgBuf[:0]
		f.msgWire = 0
	}
	f.state = stMessagePayload
	if f.length == 0 {
		f.finishDataFrame()
	}
}

func (f *InputFramer) stepMessagePayload(b []byte) []byte {
	n := int64(len(b))
	if n > f.length-f.got {
		n = f.length - f.got
	}
	chunk := b[:n]
	if f.masked {
		// Unmask relative to the position inside this frame's payload.
		off := int(f.got & 3)
		for i := range chunk {
			f.msgBuf = append(f.msgBuf, chunk[i]^f.maskKey[(off+i)&3])
		}
	} else {
		f.msgBuf = append(f.msgBuf, chunk...)
	}
	f.got += n
	if f.got == f.length {
		f.finishDataFrame()
	}
	return b[n:]
}

func (f *InputFramer) stepControlPayload(b []byte) []byte {
	n := int64(len(b))
	if n > f.length-f.got {
		n = f.length - f.got
	}
	chunk := b[:n]
	off := int(f.got & 3)
	for i := range chunk {
		c := chunk[i]
		if f.masked {
			c ^= f.maskKey[(off+i)&3]
		}
		f.ctrlBuf = append(f.ctrlBuf, c)
	}
	f.got += n
	if f.got == f.length {
		f.finishControl()
	}
	return b[n:]
}

func (f *InputFramer) finishDataFrame() {
	f.msgWire += f.length
	f.state = stOpcode
	if !f.fin {
		return
	}
	payload := f.msgBuf
	wire := f.msgWire
	compressed := f.msgCompressed
	opcode := f.msgOpcode
	f.msgActive = false

	if compressed {
		inflated, err := f.inflater.Inflate(payload)
		if err != nil {
			f.protocolError(ReasonInvalidCompression)
			return
		}
		payload = inflated
	}

	fr := Frame{
		Compressed: compressed,
		WireBytes:  wire,
		PlainBytes: int64(len(payload)),
	}
	if opcode == OpcodeText {
		if !utf8.Valid(payload) {
			f.protocolError(ReasonInvalidUTF8)
			return
		}
		fr.Kind = FrameText
		fr.Text = string(payload)
	} else {
		fr.Kind = FrameBinary
		fr.Data = append([]byte(nil), payload...)
	}
	f.emit(fr)
}

func (f *InputFramer) finishControl() {
	payload := f.ctrlBuf
	f.state = stOpcode
	switch f.opcode {
	case OpcodePing:
		f.emit(Frame{Kind: FramePing, Data: append([]byte(nil), payload...), WireBytes: f.length, PlainBytes: f.length})
	case OpcodePong:
		f.emit(Frame{Kind: FramePong, Data: append([]byte(nil), payload...), WireBytes: f.length, PlainBytes: f.length})
	case OpcodeClose:
		f.finishClose(payload)
	}
}

func (f *InputFramer) finishClose(payload []byte) {
	fr := Frame{Kind: FrameClose, WireBytes: f.length, PlainBytes: f.length}
	switch {
	case len(payload) == 0:
		// No code supplied.
	case len(payload) == 1:
		f.protocolError(ReasonInvalidClosePayload)
		return
	default:
		code := api.CloseCode(binary.BigEndian.Uint16(payload))
		if !code.ValidOnWire() {
			f.protocolError(ReasonInvalidCloseCode)
			return
		}
		reason := payload[2:]
		if !utf8.Valid(reason) {
			f.protocolError(ReasonInvalidUTF8)
			return
		}
		fr.Code = code
		fr.HasCode = true
		fr.Reason = string(reason)
	}
	f.emit(fr)
}
