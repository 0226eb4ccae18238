// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package handoff

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vmfabric/vmtrans/pkg/wire"
)

// DescriptorPassing transfers sockets as SCM_RIGHTS ancillary data over a Unix
// domain socket. The Blob only holds a placeholder, the proof is a duplicate of
// the socket's file descriptor.
type DescriptorPassing struct{}

// descriptorMarker is the single byte carrying the ancillary data.
const descriptorMarker byte = 'H'

// Represent duplicates conn's file descriptor as the proof.
func (DescriptorPassing) Represent(conn net.Conn) (repr []byte, proof *os.File, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		err = fmt.Errorf("%w: %T", ErrUnsupportedConn, conn)
		return
	}

	rawConn, err := sc.SyscallConn()
	if err != nil {
		return
	}

	var fd int
	var dupErr error
	if err = rawConn.Control(func(sysfd uintptr) {
		fd, dupErr = unix.FcntlInt(sysfd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return
	} else if dupErr != nil {
		err = fmt.Errorf("duplicating descriptor: %w", dupErr)
		return
	}

	proof = os.NewFile(uintptr(fd), "handoff-"+conn.LocalAddr().Network())

	if repr, err = (socketRepr{Network: conn.LocalAddr().Network()}).bytes(); err != nil {
		_ = proof.Close()
		proof = nil
	}
	return
}

// Adopt creates a connection from the received descriptor. Its network must
// match the representation.
func (DescriptorPassing) Adopt(repr []byte, proof *os.File) (net.Conn, error) {
	if proof == nil {
		return nil, ErrNoProof
	}
	defer proof.Close()

	sr, err := parseSocketRepr(repr)
	if err != nil {
		return nil, err
	}

	conn, err := net.FileConn(proof)
	if err != nil {
		return nil, err
	}

	if network := conn.LocalAddr().Network(); network != sr.Network {
		var errs error
		errs = multierror.Append(errs, fmt.Errorf("%w: socket network %q, expected %q", ErrMalformedBlob, network, sr.Network))
		if closeErr := conn.Close(); closeErr != nil {
			errs = multierror.Append(errs, closeErr)
		}
		return nil, errs
	}

	return conn, nil
}

// Send a Blob's package together with its proof over a Unix domain socket.
func (DescriptorPassing) Send(uc *net.UnixConn, pkg *wire.Package, proof *os.File) error {
	if proof == nil {
		return ErrNoProof
	}

	oob := unix.UnixRights(int(proof.Fd()))
	if _, _, err := uc.WriteMsgUnix([]byte{descriptorMarker}, oob, nil); err != nil {
		return fmt.Errorf("handoff: sending descriptor: %w", err)
	}

	if _, err := pkg.WriteTo(uc); err != nil {
		return fmt.Errorf("handoff: sending blob: %w", err)
	}

	log.WithFields(log.Fields{
		"blob":  pkg.Header.ID,
		"bytes": pkg.Size(),
	}).Debug("Sent blob with descriptor")
	return nil
}

// Receive a Blob's package and its proof, sent by Send. After the sender has
// closed its end, io.EOF is returned.
func (DescriptorPassing) Receive(uc *net.UnixConn, lim wire.Limits) (*wire.Package, *os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, fmt.Errorf("handoff: receiving descriptor: %w", err)
	} else if n == 0 && oobn == 0 {
		return nil, nil, io.EOF
	} else if n != 1 || buf[0] != descriptorMarker {
		return nil, nil, fmt.Errorf("%w: unexpected descriptor marker", ErrMalformedBlob)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	proof := os.NewFile(uintptr(fds[0]), "handoff-proof")

	pkg, err := wire.DecodeWithLimits(uc, lim)
	if err != nil {
		_ = proof.Close()
		return nil, nil, fmt.Errorf("handoff: receiving blob: %w", err)
	}

	return pkg, proof, nil
}

// parseRights returns exactly one descriptor. Otherwise, all received
// descriptors are closed.
func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("handoff: parsing control message: %w", err)
	}

	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}

	switch len(fds) {
	case 0:
		return nil, ErrNoProof
	case 1:
		return fds, nil
	default:
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return nil, errors.New("handoff: received more than one descriptor")
	}
}
