// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of an encoded Header in bytes.
	HeaderSize = 82

	// DescriptorSize is the length of one buffer descriptor: encoding (u8) and
	// size (u32).
	DescriptorSize = 5
)

// Field offsets within an encoded Header.
const (
	offType        = 0
	offID          = 4
	offParentID    = 20
	offSenderID    = 36
	offReceiverID  = 52
	offBufferCount = 68
	offChecksum    = 72
	offNumericID   = 74
)

// ErrMalformedPackage is returned for truncated or inconsistent input.
var ErrMalformedPackage = errors.New("wire: malformed package")

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[offType:], h.Type)
	copy(b[offID:offID+16], h.ID[:])
	copy(b[offParentID:offParentID+16], h.ParentID[:])
	copy(b[offSenderID:offSenderID+16], h.SenderID[:])
	copy(b[offReceiverID:offReceiverID+16], h.ReceiverID[:])
	binary.LittleEndian.PutUint32(b[offBufferCount:], h.BufferCount)
	binary.LittleEndian.PutUint16(b[offChecksum:], h.Checksum)
	binary.LittleEndian.PutUint64(b[offNumericID:], h.NumericID)
}

func parseHeader(b []byte) (h Header) {
	h.Type = binary.LittleEndian.Uint32(b[offType:])
	copy(h.ID[:], b[offID:offID+16])
	copy(h.ParentID[:], b[offParentID:offParentID+16])
	copy(h.SenderID[:], b[offSenderID:offSenderID+16])
	copy(h.ReceiverID[:], b[offReceiverID:offReceiverID+16])
	h.BufferCount = binary.LittleEndian.Uint32(b[offBufferCount:])
	h.Checksum = binary.LittleEndian.Uint16(b[offChecksum:])
	h.NumericID = binary.LittleEndian.Uint64(b[offNumericID:])
	return
}

// EncodeHead serializes the Header and the descriptor table, but none of the
// payloads. The Package is expected to be sealed.
func EncodeHead(p *Package) []byte {
	b := make([]byte, HeaderSize+DescriptorSize*len(p.Buffers))
	putHeader(b, p.Header)

	for i, buf := range p.Buffers {
		off := HeaderSize + i*DescriptorSize
		b[off] = uint8(buf.enc)
		binary.LittleEndian.PutUint32(b[off+1:], uint32(len(buf.data)))
	}
	return b
}

// Encode serializes the whole Package into one byte slice.
func Encode(p *Package) []byte {
	b := make([]byte, 0, p.Size())
	b = append(b, EncodeHead(p)...)
	for _, buf := range p.Buffers {
		b = append(b, buf.data...)
	}
	return b
}

// WriteTo writes this Package's wire representation to w. It implements
// io.WriterTo.
func (p *Package) WriteTo(w io.Writer) (n int64, err error) {
	var m int

	m, err = w.Write(EncodeHead(p))
	n += int64(m)
	if err != nil {
		return
	}

	for _, buf := range p.Buffers {
		if len(buf.data) == 0 {
			continue
		}
		m, err = w.Write(buf.data)
		n += int64(m)
		if err != nil {
			return
		}
	}
	return
}

// Decode reads a Package from r, bounded by DefaultLimits.
func Decode(r io.Reader) (*Package, error) {
	return DecodeWithLimits(r, DefaultLimits)
}

// DecodeWithLimits reads a Package from r. If the input ends early, r is
// rewound to where it started, provided it is an io.Seeker, and an error
// wrapping ErrMalformedPackage is returned. The checksum is not verified here;
// call Verify on the result.
func DecodeWithLimits(r io.Reader, lim Limits) (p *Package, err error) {
	var consumed int64

	defer func() {
		if err == nil || consumed == 0 {
			return
		}
		if seeker, ok := r.(io.Seeker); ok {
			_, _ = seeker.Seek(-consumed, io.SeekCurrent)
		}
	}()

	read := func(b []byte, what string) error {
		n, readErr := io.ReadFull(r, b)
		consumed += int64(n)
		if readErr != nil {
			return fmt.Errorf("%w: reading %s: %w", ErrMalformedPackage, what, readErr)
		}
		return nil
	}

	var head [HeaderSize]byte
	if err = read(head[:], "header"); err != nil {
		return
	}

	h := parseHeader(head[:])
	if h.BufferCount > lim.MaxBuffers {
		err = fmt.Errorf("%w: %d buffers exceed limit of %d", ErrMalformedPackage, h.BufferCount, lim.MaxBuffers)
		return
	}

	descs := make([]byte, DescriptorSize*int(h.BufferCount))
	if err = read(descs, "descriptors"); err != nil {
		return
	}

	bufs := make([]Buffer, h.BufferCount)
	for i := range bufs {
		off := i * DescriptorSize
		enc := Encoding(descs[off])
		size := binary.LittleEndian.Uint32(descs[off+1:])

		if !enc.IsValid() {
			err = fmt.Errorf("%w: buffer %d has unknown encoding %#x", ErrMalformedPackage, i, uint8(enc))
			return
		}
		if size > lim.MaxBufferSize {
			err = fmt.Errorf("%w: buffer %d of %d bytes exceeds limit of %d",
				ErrNoMemory, i, size, lim.MaxBufferSize)
			return
		}
	}

	for i := range bufs {
		off := i * DescriptorSize
		enc := Encoding(descs[off])
		size := int(binary.LittleEndian.Uint32(descs[off+1:]))

		if bufs[i], err = newBufferLimited(enc, size, lim); err != nil {
			return
		}
		if err = read(bufs[i].data, fmt.Sprintf("buffer %d", i)); err != nil {
			return
		}
	}

	p = &Package{Header: h, Buffers: bufs}
	return
}
