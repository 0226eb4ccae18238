// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Header is the fixed-size part of a Package.
type Header struct {
	// Type is the message tag, interpreted by the application or, for reserved
	// types, by the transport.
	Type uint32

	// ID uniquely identifies this Package. It is generated lazily by EnsureID.
	ID uuid.UUID

	// ParentID references the Package this one responds to.
	ParentID uuid.UUID

	// SenderID and ReceiverID identify both communicating parties.
	SenderID   uuid.UUID
	ReceiverID uuid.UUID

	// BufferCount must equal the amount of Buffers. It is set by Seal.
	BufferCount uint32

	// Checksum covers all other header fields. It is set by Seal.
	Checksum uint16

	// NumericID is a monotonic, process-local sequence number.
	NumericID uint64
}

// Package is a single message: a Header plus its Buffers.
type Package struct {
	Header  Header
	Buffers []Buffer
}

// New creates a Package of the given type, holding the Buffers.
func New(typ uint32, bufs ...Buffer) *Package {
	p := &Package{
		Header:  Header{Type: typ},
		Buffers: append([]Buffer(nil), bufs...),
	}
	p.Header.BufferCount = uint32(len(p.Buffers))
	return p
}

// AddBuffer appends a Buffer and updates the header's buffer count.
func (p *Package) AddBuffer(buf Buffer) {
	p.Buffers = append(p.Buffers, buf)
	p.Header.BufferCount = uint32(len(p.Buffers))
}

// EnsureID returns this Package's ID, generating it on the first call. An
// already set ID is never replaced.
func (p *Package) EnsureID() uuid.UUID {
	if p.Header.ID == uuid.Nil {
		p.Header.ID = uuid.New()
	}
	return p.Header.ID
}

// MakeResponse marks this Package as a response to parent.
func (p *Package) MakeResponse(parent *Package) {
	p.Header.ParentID = parent.EnsureID()
}

// MakeDirectResponse marks this Package as a response to parent, addressed to
// parent's sender.
func (p *Package) MakeDirectResponse(parent *Package) {
	p.MakeResponse(parent)
	p.Header.ReceiverID = parent.Header.SenderID
}

// IsResponse checks if this Package references a parent.
func (p *Package) IsResponse() bool {
	return p.Header.ParentID != uuid.Nil
}

// CloneHeaderOnly creates a new Package sharing only the identity fields, ID,
// ParentID, SenderID and ReceiverID, with n fresh and empty raw Buffers. The
// Type is kept as well; NewResponse replaces it.
func (p *Package) CloneHeaderOnly(n int) *Package {
	c := &Package{
		Header: Header{
			Type:       p.Header.Type,
			ID:         p.Header.ID,
			ParentID:   p.Header.ParentID,
			SenderID:   p.Header.SenderID,
			ReceiverID: p.Header.ReceiverID,
		},
	}
	for i := 0; i < n; i++ {
		c.Buffers = append(c.Buffers, Buffer{enc: EncodingRaw, data: []byte{}})
	}
	c.Header.BufferCount = uint32(n)
	return c
}

// NewResponse builds a Package of type typ responding to parent. A direct
// response is additionally addressed to parent's sender. The response gets its
// own ID on first use.
func NewResponse(parent *Package, typ uint32, direct bool, bufs ...Buffer) *Package {
	r := parent.CloneHeaderOnly(0)
	r.Header.Type = typ
	r.Header.ID = uuid.Nil

	if direct {
		r.MakeDirectResponse(parent)
	} else {
		r.MakeResponse(parent)
	}

	for _, buf := range bufs {
		r.AddBuffer(buf)
	}
	return r
}

// Clone this Package. A shallow clone shares the Buffers' storage with the
// original, a deep clone copies every payload.
func (p *Package) Clone(deep bool) *Package {
	c := &Package{
		Header:  p.Header,
		Buffers: make([]Buffer, len(p.Buffers)),
	}
	for i, buf := range p.Buffers {
		if deep {
			c.Buffers[i] = buf.deepCopy()
		} else {
			c.Buffers[i] = buf
		}
	}
	return c
}

// PayloadSize is the sum of all Buffers' sizes.
func (p *Package) PayloadSize() int {
	n := 0
	for _, buf := range p.Buffers {
		n += buf.Len()
	}
	return n
}

// Size of this Package's wire representation in bytes.
func (p *Package) Size() int {
	return HeaderSize + DescriptorSize*len(p.Buffers) + p.PayloadSize()
}

// Seal sets the buffer count and the checksum. It must be called right before
// sending; later modifications invalidate the checksum.
func (p *Package) Seal() {
	p.Header.BufferCount = uint32(len(p.Buffers))
	p.Header.Checksum = Checksum(p.Header)
}

// Verify checks the buffer count and the checksum of a received Package.
func (p *Package) Verify() error {
	if int(p.Header.BufferCount) != len(p.Buffers) {
		return fmt.Errorf("%w: header announces %d buffers, %d present",
			ErrMalformedPackage, p.Header.BufferCount, len(p.Buffers))
	}
	if sum := Checksum(p.Header); sum != p.Header.Checksum {
		return fmt.Errorf("%w: checksum %#04x, expected %#04x", ErrMalformedPackage, p.Header.Checksum, sum)
	}
	return nil
}

func (p *Package) String() string {
	var b strings.Builder

	_, _ = fmt.Fprintf(&b, "Package(type=%s, ", TypeName(p.Header.Type))
	_, _ = fmt.Fprintf(&b, "id=%v, ", p.Header.ID)
	if p.IsResponse() {
		_, _ = fmt.Fprintf(&b, "parent=%v, ", p.Header.ParentID)
	}
	_, _ = fmt.Fprintf(&b, "seq=%d, buffers=%d, size=%d)", p.Header.NumericID, len(p.Buffers), p.Size())

	return b.String()
}

// Sequence hands out monotonic numeric package IDs. The zero value is ready to
// use; the first number is one.
type Sequence struct {
	n atomic.Uint64
}

// Next number of this Sequence.
func (seq *Sequence) Next() uint64 {
	return seq.n.Add(1)
}

// Assign sets p's NumericID from this Sequence, unless it is already set.
func (seq *Sequence) Assign(p *Package) uint64 {
	if p.Header.NumericID == 0 {
		p.Header.NumericID = seq.Next()
	}
	return p.Header.NumericID
}
