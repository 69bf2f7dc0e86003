// File: transport/sockopt_stub.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "syscall"

// dialControl is a no-op off Linux; Go enables TCP_NODELAY by default.
func dialControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

// listenControl is a no-op off Linux.
func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
