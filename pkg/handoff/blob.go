// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package handoff moves a live connection from one process to another.
//
// The exporting process pauses the connection's write engine and serializes
// everything needed to continue it into a Blob: the peer's protocol version,
// the handshake header, the routing table, the TLS session, a representation
// of the socket, one still queued package and bytes the read side already
// received but did not consume. The socket itself is transferred by a
// Strategy, e.g., by descriptor passing over a Unix domain socket.
//
// The importing process validates the whole Blob before adopting the socket.
// Any failure leaves nothing behind; the Blob must then be considered lost.
package handoff

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/google/uuid"

	"github.com/vmfabric/vmtrans/pkg/wire"
)

const (
	// Magic starts every Blob header, "VMTH".
	Magic uint32 = 0x564D5448

	// Layout is the current Blob layout version.
	Layout uint16 = 1
)

// Buffers of a Blob's wire.Package, in this order.
const (
	bufHeader = iota
	bufRoutes
	bufSession
	bufPending
	bufLookahead

	blobBuffers
)

// ErrMalformedBlob is wrapped by all errors of a Blob not matching its layout.
var ErrMalformedBlob = errors.New("handoff: malformed blob")

// Header is the fixed part of a Blob, describing the connection and the sizes
// of the variable parts.
type Header struct {
	Magic       uint32
	Layout      uint16
	PeerVersion uint32
	LocalID     uuid.UUID
	PeerID      uuid.UUID

	// Handshake is the application's handshake header, opaque to this package.
	Handshake []byte

	// Socket is the Strategy's representation of the socket.
	Socket []byte

	RoutesSize    uint32
	SessionSize   uint32
	PendingSize   uint32
	LookaheadSize uint32
}

const headerFields = 11

func (h *Header) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(headerFields, w); err != nil {
		return err
	}

	for _, n := range []uint64{uint64(h.Magic), uint64(h.Layout), uint64(h.PeerVersion)} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}

	for _, field := range [][]byte{h.LocalID[:], h.PeerID[:], h.Handshake, h.Socket} {
		if err := cboring.WriteByteString(field, w); err != nil {
			return err
		}
	}

	for _, n := range []uint32{h.RoutesSize, h.SessionSize, h.PendingSize, h.LookaheadSize} {
		if err := cboring.WriteUInt(uint64(n), w); err != nil {
			return err
		}
	}

	return nil
}

func (h *Header) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != headerFields {
		return fmt.Errorf("header array has length %d, expected %d", l, headerFields)
	}

	if n, err := readUint(r, 32); err != nil {
		return fmt.Errorf("magic: %w", err)
	} else {
		h.Magic = uint32(n)
	}
	if n, err := readUint(r, 16); err != nil {
		return fmt.Errorf("layout: %w", err)
	} else {
		h.Layout = uint16(n)
	}
	if n, err := readUint(r, 32); err != nil {
		return fmt.Errorf("peer version: %w", err)
	} else {
		h.PeerVersion = uint32(n)
	}

	for _, id := range []*uuid.UUID{&h.LocalID, &h.PeerID} {
		data, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if *id, err = uuid.FromBytes(data); err != nil {
			return err
		}
	}

	var err error
	if h.Handshake, err = cboring.ReadByteString(r); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if h.Socket, err = cboring.ReadByteString(r); err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	for _, size := range []*uint32{&h.RoutesSize, &h.SessionSize, &h.PendingSize, &h.LookaheadSize} {
		n, err := readUint(r, 32)
		if err != nil {
			return fmt.Errorf("size: %w", err)
		}
		*size = uint32(n)
	}

	return nil
}

func readUint(r io.Reader, bits int) (uint64, error) {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return 0, err
	} else if n>>bits != 0 {
		return 0, fmt.Errorf("value %d exceeds %d bits", n, bits)
	}
	return n, nil
}

// Blob is an exported connection.
type Blob struct {
	Header Header

	Routes    []byte
	Session   []byte
	Pending   []byte
	Lookahead []byte
}

// Package wraps this Blob into a sealed wire.Package of type wire.TypeHandoff.
// The header's sizes are updated.
func (b *Blob) Package() (*wire.Package, error) {
	b.Header.Magic = Magic
	b.Header.Layout = Layout
	b.Header.RoutesSize = uint32(len(b.Routes))
	b.Header.SessionSize = uint32(len(b.Session))
	b.Header.PendingSize = uint32(len(b.Pending))
	b.Header.LookaheadSize = uint32(len(b.Lookahead))

	buf := new(bytes.Buffer)
	if err := cboring.Marshal(&b.Header, buf); err != nil {
		return nil, err
	}

	pkg := wire.New(wire.TypeHandoff,
		wire.RawBuffer(buf.Bytes()),
		wire.RawBuffer(b.Routes),
		wire.RawBuffer(b.Session),
		wire.RawBuffer(b.Pending),
		wire.RawBuffer(b.Lookahead))
	pkg.Header.SenderID = b.Header.LocalID
	pkg.Header.ReceiverID = b.Header.PeerID
	pkg.EnsureID()
	pkg.Seal()

	return pkg, nil
}

// ParseBlob validates a wire.Package's layout and extracts its Blob. The
// payloads are shared with the package.
func ParseBlob(pkg *wire.Package) (*Blob, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: no package", ErrMalformedBlob)
	}
	if pkg.Header.Type != wire.TypeHandoff {
		return nil, fmt.Errorf("%w: package type %s", ErrMalformedBlob, wire.TypeName(pkg.Header.Type))
	}
	if len(pkg.Buffers) != blobBuffers || pkg.Header.BufferCount != blobBuffers {
		return nil, fmt.Errorf("%w: %d buffers, expected %d", ErrMalformedBlob, len(pkg.Buffers), blobBuffers)
	}
	if err := pkg.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	b := &Blob{
		Routes:    pkg.Buffers[bufRoutes].Bytes(),
		Session:   pkg.Buffers[bufSession].Bytes(),
		Pending:   pkg.Buffers[bufPending].Bytes(),
		Lookahead: pkg.Buffers[bufLookahead].Bytes(),
	}

	r := bytes.NewReader(pkg.Buffers[bufHeader].Bytes())
	if err := cboring.Unmarshal(&b.Header, r); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedBlob, err)
	} else if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing header bytes", ErrMalformedBlob, r.Len())
	}

	h := b.Header
	switch {
	case h.Magic != Magic:
		return nil, fmt.Errorf("%w: magic %#08x", ErrMalformedBlob, h.Magic)
	case h.Layout != Layout:
		return nil, fmt.Errorf("%w: unsupported layout %d", ErrMalformedBlob, h.Layout)
	case int(h.RoutesSize) != len(b.Routes),
		int(h.SessionSize) != len(b.Session),
		int(h.PendingSize) != len(b.Pending),
		int(h.LookaheadSize) != len(b.Lookahead):
		return nil, fmt.Errorf("%w: header sizes do not match the buffers", ErrMalformedBlob)
	}

	return b, nil
}
