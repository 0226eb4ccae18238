// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import (
	"net"
	"time"
)

// This file implements the TCP Dialer for operating systems next to Linux. The
// other file additionally sets specific socket options for a faster detection
// of dead peers.

// dialTCP dials a TCP connection with a configured timeout and keepalive.
func dialTCP(address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 5 * time.Second,
	}
	return dialer.Dial("tcp", address)
}
