// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package record bridges a TLS engine's memory buffers and a socket.
//
// The TLS engine itself, its handshake included, is hidden behind the Engine
// interface. An Adapter feeds application bytes into the Engine and writes the
// produced ciphertext to the socket. Plaintext on a TLS capable socket is
// framed by a PlainWriter as pseudo records.
package record

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrWouldBlock is returned by an Engine which cannot proceed right now.
	// The cause is reported by BlockReason.
	ErrWouldBlock = errors.New("record: operation would block")

	// ErrRecordEngine indicates an unrecoverable failure of the TLS engine.
	ErrRecordEngine = errors.New("record: TLS engine failure")

	// ErrNoSession is returned if no resumable session is available.
	ErrNoSession = errors.New("record: no session available")
)

// BlockReason explains an ErrWouldBlock.
type BlockReason int

const (
	// BlockNone indicates no blocked operation.
	BlockNone BlockReason = iota

	// WantWrite indicates that pending ciphertext must be written to the socket
	// before more application data can be accepted. This is benign backpressure.
	WantWrite

	// WantRead indicates that the engine waits for input from the peer, e.g.,
	// during a handshake.
	WantRead

	// BlockError indicates a broken engine.
	BlockError
)

func (br BlockReason) String() string {
	switch br {
	case BlockNone:
		return "none"
	case WantWrite:
		return "want-write"
	case WantRead:
		return "want-read"
	case BlockError:
		return "error"
	default:
		return "INVALID"
	}
}

// Engine is a TLS state machine operating on memory buffers.
//
// Engine methods are not required to be safe for concurrent use; the Adapter
// serializes them by its lock, which is shared with the read side.
type Engine interface {
	// WriteGuarantee is the largest chunk WriteApp accepts at once.
	WriteGuarantee() int

	// WriteApp encrypts application data into the outbound buffer. It returns
	// ErrWouldBlock if no more data can be accepted right now.
	WriteApp(p []byte) (int, error)

	// BlockReason explains the last ErrWouldBlock.
	BlockReason() BlockReason

	// Pending returns the next contiguous chunk of outbound ciphertext. The
	// returned range stays unmodified until it is consumed.
	Pending() []byte

	// Consume marks n bytes of Pending as written.
	Consume(n int)

	// HandshakeInProgress reports an ongoing handshake.
	HandshakeInProgress() bool

	// Session exports the resumable session state.
	Session() ([]byte, error)
}

// setWriteDeadline applies a relative timeout; zero removes any deadline.
func setWriteDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.SetWriteDeadline(time.Time{})
	}
	return conn.SetWriteDeadline(time.Now().Add(timeout))
}
