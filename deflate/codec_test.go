// File: deflate/codec_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package deflate

import (
	"bytes"
	"strings"
	"testing"
)

func roundTrip(t *testing.T, deflaterReset, inflaterReset bool, messages [][]byte) {
	t.Helper()
	d, err := NewMessageDeflater(deflaterReset)
	if err != nil {
		t.Fatalf("NewMessageDeflater: %v", err)
	}
	i := NewMessageInflater(inflaterReset)
	for n, msg := range messages {
		compressed, err := d.Deflate(msg)
		if err != nil {
			t.Fatalf("message %d: Deflate: %v", n, err)
		}
		if len(compressed) >= 4 && bytes.Equal(compressed[len(compressed)-4:], messageTail) {
			t.Fatalf("message %d: trailing sync-flush block was not stripped", n)
		}
		plain, err := i.Inflate(compressed)
		if err != nil {
			t.Fatalf("message %d: Inflate: %v", n, err)
		}
		if !bytes.Equal(plain, msg) {
			t.Fatalf("message %d: round trip mismatch: got %d bytes, want %d", n, len(plain), len(msg))
		}
	}
}

func testMessages() [][]byte {
	return [][]byte{
		[]byte("Hello, world"),
		[]byte(""),
		[]byte(strings.Repeat("compress me please ", 400)),
		bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 999),
		[]byte("Hello, world"),
	}
}

func TestRoundTripContextTakeover(t *testing.T) {
	roundTrip(t, false, false, testMessages())
}

func TestRoundTripNoContextTakeover(t *testing.T) {
	roundTrip(t, true, true, testMessages())
}

func TestRoundTripMixedHalfDuplex(t *testing.T) {
	// The two directions negotiate independently; only the pairing of one
	// deflater with one inflater must agree.
	roundTrip(t, true, true, [][]byte{[]byte("a"), []byte("b"), []byte("a")})
	roundTrip(t, false, false, [][]byte{[]byte("a"), []byte("b"), []byte("a")})
}

func TestContextTakeoverShrinksRepeats(t *testing.T) {
	d, err := NewMessageDeflater(false)
	if err != nil {
		t.Fatalf("NewMessageDeflater: %v", err)
	}
	msg := []byte(strings.Repeat("the same phrase over and over ", 64))
	first, err := d.Deflate(msg)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	second, err := d.Deflate(msg)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	// With the window preserved the second copy is pure back-references.
	if len(second) >= len(first) {
		t.Fatalf("context takeover did not help: first %d bytes, second %d", len(first), len(second))
	}

	// Both still inflate through a context-preserving inflater.
	i := NewMessageInflater(false)
	for n, compressed := range [][]byte{first, second} {
		plain, err := i.Inflate(compressed)
		if err != nil {
			t.Fatalf("message %d: Inflate: %v", n, err)
		}
		if !bytes.Equal(plain, msg) {
			t.Fatalf("message %d: round trip mismatch", n)
		}
	}
}

func TestNoContextTakeoverResetsBetweenMessages(t *testing.T) {
	d, err := NewMessageDeflater(true)
	if err != nil {
		t.Fatalf("NewMessageDeflater: %v", err)
	}
	msg := []byte(strings.Repeat("the same phrase over and over ", 64))
	first, err := d.Deflate(msg)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	second, err := d.Deflate(msg)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	// Every message starts from an empty window, so repeats do not shrink.
	if len(first) != len(second) {
		t.Fatalf("stream was not reset: first %d bytes, second %d", len(first), len(second))
	}

	// A fresh-window inflater decodes each message independently, in any
	// order.
	i := NewMessageInflater(true)
	plain, err := i.Inflate(second)
	if err != nil {
		t.Fatalf("Inflate: %v", err)
	}
	if !bytes.Equal(plain, msg) {
		t.Fatalf("round trip mismatch")
	}
}

func TestInflateRejectsGarbage(t *testing.T) {
	i := NewMessageInflater(true)
	if _, err := i.Inflate([]byte{0xde, 0xad, 0xbe, 0xef, 0x99}); err == nil {
		t.Fatal("Inflate accepted garbage input")
	}
}
