// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build windows

package handoff

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// HandleDuplication duplicates a socket's handle directly into the importing
// process. The Blob carries the duplicated handle's value, which is only valid
// within the target process; there is no out-of-band proof.
type HandleDuplication struct {
	// TargetPID is the importing process.
	TargetPID uint32
}

// Represent duplicates conn's handle into the target process.
func (hd HandleDuplication) Represent(conn net.Conn) (repr []byte, proof *os.File, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		err = fmt.Errorf("%w: %T", ErrUnsupportedConn, conn)
		return
	}

	rawConn, err := sc.SyscallConn()
	if err != nil {
		return
	}

	target, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, hd.TargetPID)
	if err != nil {
		err = fmt.Errorf("opening target process %d: %w", hd.TargetPID, err)
		return
	}
	defer windows.CloseHandle(target)

	var dup windows.Handle
	var dupErr error
	if err = rawConn.Control(func(fd uintptr) {
		dupErr = windows.DuplicateHandle(windows.CurrentProcess(), windows.Handle(fd),
			target, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS)
	}); err != nil {
		return
	} else if dupErr != nil {
		err = fmt.Errorf("duplicating handle: %w", dupErr)
		return
	}

	repr, err = socketRepr{Network: conn.LocalAddr().Network(), Handle: uint64(dup)}.bytes()
	return
}

// Adopt wraps the duplicated handle, which must belong to this process.
func (HandleDuplication) Adopt(repr []byte, proof *os.File) (net.Conn, error) {
	if proof != nil {
		_ = proof.Close()
	}

	sr, err := parseSocketRepr(repr)
	if err != nil {
		return nil, err
	} else if sr.Handle == 0 {
		return nil, ErrNoProof
	}

	f := os.NewFile(uintptr(sr.Handle), "handoff-"+sr.Network)
	return &handleConn{File: f, network: sr.Network}, nil
}

// handleConn is a net.Conn on a socket handle without deadline support.
type handleConn struct {
	*os.File
	network string
}

type handleAddr string

func (a handleAddr) Network() string { return string(a) }
func (a handleAddr) String() string  { return "handle" }

func (c *handleConn) LocalAddr() net.Addr  { return handleAddr(c.network) }
func (c *handleConn) RemoteAddr() net.Addr { return handleAddr(c.network) }

func (c *handleConn) SetDeadline(t time.Time) error      { return ignoreNoDeadline(c.File.SetDeadline(t)) }
func (c *handleConn) SetReadDeadline(t time.Time) error  { return ignoreNoDeadline(c.File.SetReadDeadline(t)) }
func (c *handleConn) SetWriteDeadline(t time.Time) error { return ignoreNoDeadline(c.File.SetWriteDeadline(t)) }

func ignoreNoDeadline(err error) error {
	if errors.Is(err, os.ErrNoDeadline) {
		return nil
	}
	return err
}
