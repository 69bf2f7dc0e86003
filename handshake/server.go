// File: handshake/server.go
// Package handshake implements the client and server halves of the WebSocket
// opening handshake (RFC 6455 §4).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package handshake

import (
	"fmt"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/deflate"
	"github.com/momentics/wsendpoint/httpmsg"
)

// ValidateUpgrade checks a parsed request for everything RFC 6455 demands of
// an upgrade. The returned message, when non-nil, explains the refusal.
func ValidateUpgrade(req *httpmsg.Message) error {
	if req.VersionMajor < 1 || (req.VersionMajor == 1 && req.VersionMinor < 1) {
		return fmt.Errorf("HTTP version must be at least 1.1")
	}
	if req.Method != "GET" {
		return fmt.Errorf("upgrade requires the GET method")
	}
	if !httpmsg.HeaderContainsToken(req.Upgrade, "websocket") {
		return fmt.Errorf("Upgrade header missing websocket")
	}
	if !httpmsg.HeaderContainsToken(req.Connection, "upgrade") {
		return fmt.Errorf("Connection header missing upgrade")
	}
	if len(req.SecWebSocketVersion) != 1 || req.SecWebSocketVersion[0] != RequiredVersion {
		return fmt.Errorf("unsupported Sec-WebSocket-Version; only %s is supported", RequiredVersion)
	}
	if req.SecWebSocketKey == "" {
		return fmt.Errorf("missing Sec-WebSocket-Key header")
	}
	return nil
}

// IsUpgradeRequest reports whether the request asks for a WebSocket upgrade
// at all, regardless of validity.
func IsUpgradeRequest(req *httpmsg.Message) bool {
	return httpmsg.HeaderContainsToken(req.Upgrade, "websocket")
}

// Refuse renders a descriptive plain-text refusal response.
func Refuse(status int, text string) *httpmsg.Message {
	m := httpmsg.NewResponse(status)
	m.ContentType = &httpmsg.Parameterized{Token: "text/plain"}
	m.Body = []byte(text)
	return m
}

// Accept validates the request and produces the 101 response plus the
// endpoint-side handshake outcome. subprotocol, when non-empty, must be one
// the client listed. enableCompression gates the permessage-deflate
// negotiation.
func Accept(req *httpmsg.Message, subprotocol string, extraHeaders map[string]string, enableCompression bool) (*httpmsg.Message, api.HandshakeResult, deflate.Config, error) {
	var cfg deflate.Config
	var result api.HandshakeResult

	if err := ValidateUpgrade(req); err != nil {
		return nil, result, cfg, err
	}
	if subprotocol != "" && !containsFold(req.SecWebSocketProtocol, subprotocol) {
		return nil, result, cfg, fmt.Errorf("subprotocol %q was not offered by the client", subprotocol)
	}

	resp := httpmsg.NewResponse(101)
	resp.Upgrade = []string{"websocket"}
	resp.Connection = []string{"upgrade"}
	resp.SecWebSocketAccept = AcceptKey(req.SecWebSocketKey)
	if subprotocol != "" {
		resp.SecWebSocketProtocol = []string{subprotocol}
		result.Subprotocol = subprotocol
	}
	if enableCompression {
		if agreed, ok := deflate.Negotiate(req.SecWebSocketExtensions); ok {
			resp.SecWebSocketExtensions = []string{agreed.Format()}
			cfg = agreed.ConfigFor(api.RoleServer)
			result.CompressionAvailable = true
		}
	}
	if len(extraHeaders) > 0 {
		resp.Headers = make(map[string]string, len(extraHeaders))
		for name, value := range extraHeaders {
			resp.Headers[name] = value
		}
	}
	result.ExtraHeaders = req.Headers
	return resp, result, cfg, nil
}
