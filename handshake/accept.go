// File: handshake/accept.go
// Package handshake implements the client and server halves of the WebSocket
// opening handshake (RFC 6455 §4).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"

	"github.com/momentics/wsendpoint/api"
)

// GUID is the fixed accept-key suffix of RFC 6455 §1.3.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// RequiredVersion is the only Sec-WebSocket-Version this library speaks.
const RequiredVersion = "13"

// AcceptKey computes base64(sha1(key + GUID)), the digest a server echoes to
// prove it understood the upgrade.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// GenerateKey draws the 16-byte nonce and returns it base64-encoded.
func GenerateKey(random api.RandomSource) (string, error) {
	var nonce [16]byte
	if err := random.Fill(nonce[:]); err != nil {
		return "", fmt.Errorf("handshake nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}
