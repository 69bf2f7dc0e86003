// File: protocol/framer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/deflate"
	"github.com/momentics/wsendpoint/fake"
)

func concat(bufs [][]byte) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// decodeOne pushes wire bytes into a fresh framer for role and expects
// exactly one frame out.
func decodeOne(t *testing.T, role api.Role, wire []byte) Frame {
	t.Helper()
	in := NewInputFramer(role, 0)
	in.Append(wire)
	fr, ok := in.Next()
	if !ok {
		t.Fatal("no frame decoded")
	}
	if _, extra := in.Next(); extra {
		t.Fatal("more than one frame decoded")
	}
	return fr
}

func TestRoundTripClientToServer(t *testing.T) {
	out := NewOutputFramer(api.RoleClient, fake.NewRandom(7))
	cases := []Frame{
		TextFrame("Hello, world"),
		TextFrame(""),
		TextFrame(strings.Repeat("x", 200)),            // 16-bit length
		BinaryFrame(bytes.Repeat([]byte{0xAB}, 70000)), // 64-bit length
		PingFrame([]byte("ping-data")),
		PongFrame(nil),
		CloseFrame(api.CloseGoingAway, true, "maintenance"),
	}
	for n, fr := range cases {
		enc, err := out.Encode(fr, false)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", n, err)
		}
		got := decodeOne(t, api.RoleServer, concat(enc.Buffers))
		if got.Kind != fr.Kind {
			t.Fatalf("case %d: kind %s, want %s", n, got.Kind, fr.Kind)
		}
		switch fr.Kind {
		case FrameText:
			if got.Text != fr.Text {
				t.Fatalf("case %d: text mismatch", n)
			}
		case FrameBinary, FramePing, FramePong:
			if !bytes.Equal(got.Data, fr.Data) {
				t.Fatalf("case %d: payload mismatch", n)
			}
		case FrameClose:
			if got.Code != fr.Code || got.HasCode != fr.HasCode || got.Reason != fr.Reason {
				t.Fatalf("case %d: close mismatch: %+v", n, got)
			}
		}
	}
}

func TestRoundTripServerToClient(t *testing.T) {
	out := NewOutputFramer(api.RoleServer, fake.NewRandom(7))
	enc, err := out.Encode(BinaryFrame([]byte{1, 2, 3}), false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire := concat(enc.Buffers)
	if wire[1]&0x80 != 0 {
		t.Fatal("server frame must not set the MASK bit")
	}
	got := decodeOne(t, api.RoleClient, wire)
	if !bytes.Equal(got.Data, []byte{1, 2, 3}) {
		t.Fatal("payload mismatch")
	}
}

func TestMaskDirectionEnforced(t *testing.T) {
	// Server-mode framer rejects unmasked frames.
	in := NewInputFramer(api.RoleServer, 0)
	in.Append([]byte{0x81, 0x01, 'a'})
	fr, _ := in.Next()
	if fr.Kind != FrameProtocolError || fr.Reason != ReasonUnmaskedForbidden {
		t.Fatalf("got %+v", fr)
	}

	// Client-mode framer rejects masked frames.
	in = NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x81, 0x81, 1, 2, 3, 4, 'a'})
	fr, _ = in.Next()
	if fr.Kind != FrameProtocolError || fr.Reason != ReasonMaskedForbidden {
		t.Fatalf("got %+v", fr)
	}
}

func TestMaskInvolution(t *testing.T) {
	payload := []byte("any payload at all, of any length 1234567890")
	key := [4]byte{0xA1, 0x07, 0x33, 0xFE}
	buf := append([]byte(nil), payload...)
	MaskPayload(buf, key)
	if bytes.Equal(buf, payload) {
		t.Fatal("mask did nothing")
	}
	MaskPayload(buf, key)
	if !bytes.Equal(buf, payload) {
		t.Fatal("mask(mask(p, k), k) != p")
	}
}

func TestFragmentedTextReassembly(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x01, 0x05})
	in.Append([]byte("Hello"))
	in.Append([]byte{0x00, 0x02})
	in.Append([]byte(", "))
	in.Append([]byte{0x80, 0x06})
	in.Append([]byte("world."))
	fr, ok := in.Next()
	if !ok || fr.Kind != FrameText || fr.Text != "Hello, world." {
		t.Fatalf("got %+v", fr)
	}
}

func TestControlFrameInterleavedWithFragments(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x01, 0x02, 'h', 'i'})
	in.Append([]byte{0x89, 0x01, 'p'}) // ping between fragments
	in.Append([]byte{0x80, 0x01, '!'})

	fr, _ := in.Next()
	if fr.Kind != FramePing || string(fr.Data) != "p" {
		t.Fatalf("expected interleaved ping first, got %+v", fr)
	}
	fr, _ = in.Next()
	if fr.Kind != FrameText || fr.Text != "hi!" {
		t.Fatalf("expected reassembled text, got %+v", fr)
	}
}

func TestUTF8ValidatedOnReassembledPayloadOnly(t *testing.T) {
	// Split a multi-byte rune across two fragments; only the whole
	// message must validate.
	msg := []byte("héllo") // é = 0xC3 0xA9
	in := NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x01, 0x02})
	in.Append(msg[:2]) // ends mid-rune
	in.Append([]byte{0x80, byte(len(msg) - 2)})
	in.Append(msg[2:])
	fr, ok := in.Next()
	if !ok || fr.Kind != FrameText || fr.Text != "héllo" {
		t.Fatalf("got %+v", fr)
	}
}

func TestInvalidUTF8Rejected(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x81, 0x02, 0xC3, 0x28})
	fr, _ := in.Next()
	if fr.Kind != FrameProtocolError || fr.Reason != ReasonInvalidUTF8 {
		t.Fatalf("got %+v", fr)
	}
}

func TestProtocolViolations(t *testing.T) {
	cases := []struct {
		name   string
		wire   []byte
		reason string
	}{
		{"rsv2", []byte{0xA1, 0x00}, ReasonReservedBits},
		{"rsv3", []byte{0x91, 0x00}, ReasonReservedBits},
		{"rsv1 without negotiation", []byte{0xC1, 0x00}, ReasonReservedBits},
		{"unknown opcode", []byte{0x83, 0x00}, ReasonInvalidOpcode},
		{"unexpected continuation", []byte{0x80, 0x00}, ReasonUnexpectedContinuation},
		{"fragmented control", []byte{0x09, 0x00}, ReasonFragmentedControl},
		{"control too long", []byte{0x88, 126, 0x00, 0x7E}, ReasonControlTooLong},
		{"close payload of one byte", []byte{0x88, 0x01, 0x03}, ReasonInvalidClosePayload},
		{"restricted close code", []byte{0x88, 0x02, 0x03, 0xED}, ReasonInvalidCloseCode}, // 1005
	}
	for _, c := range cases {
		in := NewInputFramer(api.RoleClient, 0)
		in.Append(c.wire)
		fr, ok := in.Next()
		if !ok || fr.Kind != FrameProtocolError || fr.Reason != c.reason {
			t.Errorf("%s: got %+v", c.name, fr)
		}
	}
}

func TestMessageStartWhileMessageInProgress(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x01, 0x01, 'a'})
	in.Append([]byte{0x01, 0x01, 'b'})
	fr, _ := in.Next()
	if fr.Kind != FrameProtocolError || fr.Reason != ReasonExpectedContinuation {
		t.Fatalf("got %+v", fr)
	}
}

func TestDeclaredLengthOverflow(t *testing.T) {
	wire := []byte{0x82, 127}
	var ext [8]byte
	binary.BigEndian.PutUint64(ext[:], 1<<63)
	wire = append(wire, ext[:]...)
	in := NewInputFramer(api.RoleClient, 0)
	in.Append(wire)
	fr, _ := in.Next()
	if fr.Kind != FrameProtocolError || fr.Reason != ReasonInvalidLength {
		t.Fatalf("got %+v", fr)
	}
}

func TestMessageTooBigBeforePayloadBuffered(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 131072)

	// A frame at exactly the limit passes.
	header := []byte{0x82, 127}
	var ext [8]byte
	binary.BigEndian.PutUint64(ext[:], 131072)
	in.Append(append(header, ext[:]...))
	in.Append(make([]byte, 131072))
	fr, ok := in.Next()
	if !ok || fr.Kind != FrameBinary || len(fr.Data) != 131072 {
		t.Fatalf("frame at the limit was not delivered: %+v", fr.Kind)
	}

	// A second within-limit message is judged on its own size, not
	// against the completed message before it.
	binary.BigEndian.PutUint64(ext[:], 131072)
	in.Append(append([]byte{0x82, 127}, ext[:]...))
	in.Append(make([]byte, 131072))
	fr, ok = in.Next()
	if !ok || fr.Kind != FrameBinary || len(fr.Data) != 131072 {
		t.Fatalf("second at-limit message was not delivered: %+v", fr.Kind)
	}
	in.Append([]byte{0x82, 0x05, 1, 2, 3, 4, 5})
	fr, ok = in.Next()
	if !ok || fr.Kind != FrameBinary || len(fr.Data) != 5 {
		t.Fatalf("small follow-up message was not delivered: %+v", fr.Kind)
	}

	// One byte over trips the policy from the header alone.
	binary.BigEndian.PutUint64(ext[:], 131073)
	in.Append(append([]byte{0x82, 127}, ext[:]...))
	fr, ok = in.Next()
	if !ok || fr.Kind != FrameMessageTooBig {
		t.Fatalf("got %+v", fr)
	}
}

func TestMessageTooBigCountsAccumulatedFragments(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 10)
	in.Append([]byte{0x02, 0x08})
	in.Append(make([]byte, 8))
	// Declares 3 more bytes: 8 + 3 > 10, rejected before the payload.
	in.Append([]byte{0x80, 0x03})
	fr, ok := in.Next()
	if !ok || fr.Kind != FrameMessageTooBig {
		t.Fatalf("got %+v", fr)
	}
}

func TestFatalEmissionLatchesFramer(t *testing.T) {
	in := NewInputFramer(api.RoleClient, 0)
	in.Append([]byte{0x83, 0x00}) // unknown opcode
	if fr, _ := in.Next(); fr.Kind != FrameProtocolError {
		t.Fatalf("got %+v", fr)
	}
	// A perfectly fine frame afterwards is ignored.
	in.Append([]byte{0x81, 0x02, 'h', 'i'})
	if _, ok := in.Next(); ok {
		t.Fatal("latched framer emitted a frame")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	out := NewOutputFramer(api.RoleClient, fake.NewRandom(3))
	d, err := deflate.NewMessageDeflater(false)
	if err != nil {
		t.Fatalf("NewMessageDeflater: %v", err)
	}
	out.EnableCompression(d)

	in := NewInputFramer(api.RoleServer, 0)
	in.EnableCompression(deflate.NewMessageInflater(false))

	for n, text := range []string{
		strings.Repeat("compressible text ", 100),
		"short",
		strings.Repeat("compressible text ", 100),
	} {
		enc, err := out.Encode(TextFrame(text), true)
		if err != nil {
			t.Fatalf("message %d: Encode: %v", n, err)
		}
		if !enc.Compressed {
			t.Fatalf("message %d: not compressed", n)
		}
		wire := concat(enc.Buffers)
		if wire[0]&0x40 == 0 {
			t.Fatalf("message %d: RSV1 not set", n)
		}
		in.Append(wire)
		fr, ok := in.Next()
		if !ok || fr.Kind != FrameText || fr.Text != text {
			t.Fatalf("message %d: round trip failed", n)
		}
		if !fr.Compressed {
			t.Fatalf("message %d: decoded frame not marked compressed", n)
		}
	}
}

func TestCompressionRememberedAcrossFragments(t *testing.T) {
	d, err := deflate.NewMessageDeflater(true)
	if err != nil {
		t.Fatalf("NewMessageDeflater: %v", err)
	}
	payload, err := d.Deflate([]byte("fragmented and compressed"))
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}

	in := NewInputFramer(api.RoleClient, 0)
	in.EnableCompression(deflate.NewMessageInflater(true))

	half := len(payload) / 2
	in.Append([]byte{0x41, byte(half)}) // text, RSV1, FIN=0
	in.Append(payload[:half])
	in.Append([]byte{0x80, byte(len(payload) - half)})
	in.Append(payload[half:])

	fr, ok := in.Next()
	if !ok || fr.Kind != FrameText || fr.Text != "fragmented and compressed" {
		t.Fatalf("got %+v", fr)
	}
}

func TestControlPayloadTruncatedOnEncode(t *testing.T) {
	out := NewOutputFramer(api.RoleServer, fake.NewRandom(1))
	enc, err := out.Encode(PingFrame(bytes.Repeat([]byte{'p'}, 300)), false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc.PayloadLen != 125 {
		t.Fatalf("control payload length %d, want 125", enc.PayloadLen)
	}
}

func TestCloseReasonTruncatedOnRuneBoundary(t *testing.T) {
	out := NewOutputFramer(api.RoleServer, fake.NewRandom(1))
	reason := strings.Repeat("é", 100) // 200 bytes
	enc, err := out.Encode(CloseFrame(api.CloseNormalClosure, true, reason), false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// 2 code bytes + at most 123 reason bytes, cut on a boundary: 122.
	if enc.PayloadLen != 124 {
		t.Fatalf("close payload length %d, want 124", enc.PayloadLen)
	}
	fr := decodeOne(t, api.RoleClient, concat(enc.Buffers))
	if fr.Reason != strings.Repeat("é", 61) {
		t.Fatalf("truncated reason is not rune-aligned: %q", fr.Reason)
	}
}

func TestRestrictedCloseCodeSendsNoCode(t *testing.T) {
	out := NewOutputFramer(api.RoleServer, fake.NewRandom(1))
	enc, err := out.Encode(CloseFrame(api.CloseAbnormalClosure, true, "ignored"), false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc.PayloadLen != 0 {
		t.Fatalf("restricted code leaked onto the wire: %d payload bytes", enc.PayloadLen)
	}
	fr := decodeOne(t, api.RoleClient, concat(enc.Buffers))
	if fr.HasCode {
		t.Fatal("decoded close carries a code")
	}
}

func TestMaskKeyFreshAndNonzero(t *testing.T) {
	out := NewOutputFramer(api.RoleClient, fake.NewRandom(0))
	enc1, _ := out.Encode(TextFrame("a"), false)
	enc2, _ := out.Encode(TextFrame("a"), false)
	k1 := enc1.Buffers[0][2:6]
	k2 := enc2.Buffers[0][2:6]
	if bytes.Equal(k1, k2) {
		t.Fatal("mask key reused across frames")
	}
	if bytes.Equal(k1, []byte{0, 0, 0, 0}) {
		t.Fatal("zero mask key")
	}
}
