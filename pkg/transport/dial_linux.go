// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Linux-specific socket options for management TCP connections. A hypervisor
// host might vanish without closing its sockets, e.g., during live migration,
// so a dead peer should fail the write engine within a few seconds.
//
// The socket options are based on the Linux tcp(7) manual page.
// <https://man7.org/linux/man-pages/man7/tcp.7.html>

// dialControl is the net.Dialer's Control function to set the socket options.
func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	const (
		// tcpKeepCnt sets TCP_KEEPCNT, the maximum number of keepalive probes
		// to be sent before dropping the connection.
		tcpKeepCnt int = 2

		// tcpKeepIdle sets TCP_KEEPIDLE, the idle time in seconds before
		// keepalive probes are sent.
		tcpKeepIdle int = 5

		// tcpKeepIntvl sets TCP_KEEPINTVL, the time in seconds between probes.
		tcpKeepIntvl int = 3

		// tcpUserTimeout sets TCP_USER_TIMEOUT, the time in milliseconds that
		// transmitted data may remain unacknowledged.
		tcpUserTimeout int = 10000
	)

	opts := map[int]int{
		unix.TCP_KEEPCNT:      tcpKeepCnt,
		unix.TCP_KEEPIDLE:     tcpKeepIdle,
		unix.TCP_KEEPINTVL:    tcpKeepIntvl,
		unix.TCP_USER_TIMEOUT: tcpUserTimeout,
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		for opt, value := range opts {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value); err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		err = ctrlErr
	}

	return
}

// dialTCP dials a TCP connection with socket options set.
func dialTCP(address string, timeout time.Duration) (net.Conn, error) {
	// Keepalive is configured by dialControl and must not be overwritten.
	dialer := &net.Dialer{
		Timeout:   timeout,
		Control:   dialControl,
		KeepAlive: -1,
	}
	return dialer.Dial("tcp", address)
}
