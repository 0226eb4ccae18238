// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// PseudoRecordType marks a plaintext pseudo record. It is no valid TLS
	// content type, so both can share one socket.
	PseudoRecordType uint8 = 0xFE

	// PseudoRecordHeaderSize is the length of a pseudo record's header.
	PseudoRecordHeaderSize = 5

	// MaxRecordSize is the largest payload of a single pseudo record.
	MaxRecordSize = 16384
)

var pseudoRecordVersion = [2]byte{0x03, 0x03}

// PlainWriter writes plaintext to a socket. On a TLS capable socket, Framed
// must be set to wrap the bytes into pseudo records; otherwise the bytes are
// written as they are.
type PlainWriter struct {
	Framed bool
}

// Write p to conn, bounded by the timeout; zero means no deadline. The number
// of bytes written to conn, pseudo record headers included, is returned.
func (pw PlainWriter) Write(conn net.Conn, p []byte, timeout time.Duration) (n int, err error) {
	if err = setWriteDeadline(conn, timeout); err != nil {
		return
	}

	if !pw.Framed {
		return conn.Write(p)
	}
	return conn.Write(FramePseudoRecords(p))
}

// FramePseudoRecords splits p into pseudo records of at most MaxRecordSize
// payload bytes. The last record carries the remainder.
func FramePseudoRecords(p []byte) []byte {
	records := (len(p) + MaxRecordSize - 1) / MaxRecordSize
	out := make([]byte, 0, len(p)+records*PseudoRecordHeaderSize)

	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxRecordSize {
			chunk = chunk[:MaxRecordSize]
		}

		var head [PseudoRecordHeaderSize]byte
		head[0] = PseudoRecordType
		copy(head[1:3], pseudoRecordVersion[:])
		binary.BigEndian.PutUint16(head[3:], uint16(len(chunk)))

		out = append(out, head[:]...)
		out = append(out, chunk...)
		p = p[len(chunk):]
	}
	return out
}

// ReadPseudoRecord reads a single pseudo record's payload from r.
func ReadPseudoRecord(r io.Reader) ([]byte, error) {
	var head [PseudoRecordHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	if head[0] != PseudoRecordType {
		return nil, fmt.Errorf("record: unexpected record type %#x", head[0])
	}
	if head[1] != pseudoRecordVersion[0] || head[2] != pseudoRecordVersion[1] {
		return nil, fmt.Errorf("record: unexpected record version %x", head[1:3])
	}

	size := binary.BigEndian.Uint16(head[3:])
	if size > MaxRecordSize {
		return nil, fmt.Errorf("record: record of %d bytes exceeds maximum", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
