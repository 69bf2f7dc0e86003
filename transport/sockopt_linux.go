// File: transport/sockopt_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux socket tuning: TCP_NODELAY on every connection, TCP fast open when
// the endpoint options ask for it.

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// dialControl returns the net.Dialer Control hook for outbound sockets.
func dialControl(enableFastOpen bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, raw syscall.RawConn) error {
		var serr error
		err := raw.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			if serr == nil && enableFastOpen {
				// The hint is best effort; kernels without the
				// option fall back to a regular connect.
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

// listenControl returns the net.ListenConfig Control hook for the server
// front-end listener.
func listenControl(enableFastOpen bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, raw syscall.RawConn) error {
		var serr error
		err := raw.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if serr == nil && enableFastOpen {
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, 256)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
