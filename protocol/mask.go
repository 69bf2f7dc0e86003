// File: protocol/mask.go
// Package protocol implements the RFC 6455 frame codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

// MaskPayload XORs buf in place with the 4-byte key cycled by position
// (RFC 6455 §5.3). Masking is an involution: applying it twice with the same
// key restores the input.
func MaskPayload(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}
