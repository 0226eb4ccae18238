// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package handoff

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/dtn7/cboring"
)

// Strategy transfers a socket between processes. The core engine never knows
// how; only the chosen Strategy depends on the platform.
type Strategy interface {
	// Represent describes conn for the Blob. The returned proof, if any, is an
	// OS object that must reach the importing process out-of-band.
	Represent(conn net.Conn) (repr []byte, proof *os.File, err error)

	// Adopt reconstructs a connection from a representation and its proof. The
	// proof is consumed, even on errors.
	Adopt(repr []byte, proof *os.File) (net.Conn, error)
}

var (
	// ErrNoProof is returned if a Strategy requires a proof but got none.
	ErrNoProof = errors.New("handoff: missing socket proof")

	// ErrUnsupportedConn is returned for connections without an OS socket.
	ErrUnsupportedConn = errors.New("handoff: connection has no transferable socket")
)

// socketRepr is the common socket representation: the network and a platform
// dependent handle value, zero as a placeholder for descriptor passing.
type socketRepr struct {
	Network string
	Handle  uint64
}

func (sr *socketRepr) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(sr.Network, w); err != nil {
		return err
	}
	return cboring.WriteUInt(sr.Handle, w)
}

func (sr *socketRepr) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("socket representation has length %d, expected 2", l)
	}

	network, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	handle, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	sr.Network = network
	sr.Handle = handle
	return nil
}

func (sr socketRepr) bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := cboring.Marshal(&sr, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseSocketRepr(data []byte) (sr socketRepr, err error) {
	r := bytes.NewReader(data)
	if err = cboring.Unmarshal(&sr, r); err != nil {
		err = fmt.Errorf("%w: socket representation: %v", ErrMalformedBlob, err)
	} else if r.Len() != 0 {
		err = fmt.Errorf("%w: %d trailing socket representation bytes", ErrMalformedBlob, r.Len())
	}
	return
}
