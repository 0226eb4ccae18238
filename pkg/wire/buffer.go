// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"errors"
	"fmt"
)

// Encoding describes how a Buffer's payload was allocated and is to be read.
type Encoding uint8

const (
	// EncodingRaw is a plain byte payload on the heap.
	EncodingRaw Encoding = 0x00

	// EncodingRawAligned is a byte payload starting on a page boundary, so it
	// can be handed to zero-copy I/O paths.
	EncodingRawAligned Encoding = 0x01
)

func (enc Encoding) String() string {
	switch enc {
	case EncodingRaw:
		return "raw"
	case EncodingRawAligned:
		return "raw-aligned"
	default:
		return "INVALID"
	}
}

// IsValid checks if this Encoding represents a known value.
func (enc Encoding) IsValid() bool {
	return enc.String() != "INVALID"
}

// ErrNoMemory is returned if a buffer allocation cannot be satisfied. No
// partially allocated state is left behind.
var ErrNoMemory = errors.New("wire: out of memory")

// Limits bound the resources a single Package may claim. They are checked
// before any allocation takes place.
type Limits struct {
	// MaxBuffers is the highest accepted buffer count.
	MaxBuffers uint32

	// MaxBufferSize is the largest accepted single buffer in bytes.
	MaxBufferSize uint32
}

// DefaultLimits are used by Decode and NewBuffer.
var DefaultLimits = Limits{
	MaxBuffers:    4096,
	MaxBufferSize: 64 << 20,
}

// Buffer is one immutable payload of a Package. Copies of a Buffer share the
// same underlying storage; no one writes to it after creation.
type Buffer struct {
	enc  Encoding
	data []byte
}

// NewBuffer allocates a zeroed Buffer of the given size. The allocator is
// chosen by the Encoding.
func NewBuffer(enc Encoding, size int) (Buffer, error) {
	return newBufferLimited(enc, size, DefaultLimits)
}

func newBufferLimited(enc Encoding, size int, lim Limits) (buf Buffer, err error) {
	if !enc.IsValid() {
		err = fmt.Errorf("wire: unknown buffer encoding %#x", uint8(enc))
		return
	}
	if size < 0 || uint64(size) > uint64(lim.MaxBufferSize) {
		err = fmt.Errorf("%w: buffer of %d bytes exceeds limit of %d", ErrNoMemory, size, lim.MaxBufferSize)
		return
	}

	switch enc {
	case EncodingRawAligned:
		buf.data = allocAligned(size)
	default:
		buf.data = make([]byte, size)
	}
	buf.enc = enc
	return
}

// BufferFrom creates a Buffer holding a copy of data.
func BufferFrom(enc Encoding, data []byte) (Buffer, error) {
	buf, err := NewBuffer(enc, len(data))
	if err != nil {
		return Buffer{}, err
	}
	copy(buf.data, data)
	return buf, nil
}

// MustBufferFrom is like BufferFrom, but panics on an error. It is intended
// for fixed payloads and tests.
func MustBufferFrom(enc Encoding, data []byte) Buffer {
	buf, err := BufferFrom(enc, data)
	if err != nil {
		panic(err)
	}
	return buf
}

// RawBuffer is a shorthand for a heap allocated copy of data.
func RawBuffer(data []byte) Buffer {
	return MustBufferFrom(EncodingRaw, data)
}

// Encoding of this Buffer.
func (buf Buffer) Encoding() Encoding {
	return buf.enc
}

// Len is the payload size in bytes.
func (buf Buffer) Len() int {
	return len(buf.data)
}

// Bytes returns the payload. The returned slice MUST NOT be modified.
func (buf Buffer) Bytes() []byte {
	return buf.data
}

// deepCopy returns a Buffer with its own storage, allocated by the same
// allocator as the original.
func (buf Buffer) deepCopy() Buffer {
	cp := Buffer{enc: buf.enc}
	switch buf.enc {
	case EncodingRawAligned:
		cp.data = allocAligned(len(buf.data))
	default:
		cp.data = make([]byte, len(buf.data))
	}
	copy(cp.data, buf.data)
	return cp
}

func (buf Buffer) String() string {
	return fmt.Sprintf("Buffer(%v, %d bytes)", buf.enc, len(buf.data))
}
