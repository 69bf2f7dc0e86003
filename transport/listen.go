// File: transport/listen.go
// Package transport provides the stream transport collaborator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Listen opens the server front-end's TCP listener with the platform socket
// options applied.
func Listen(addr string, enableFastOpen bool) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl(enableFastOpen)}
	return lc.Listen(context.Background(), "tcp", addr)
}
