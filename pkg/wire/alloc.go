// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"os"
	"unsafe"
)

var pageSize = os.Getpagesize()

// allocAligned returns a zeroed slice of the given length whose first byte is
// located on a page boundary. The slice's capacity is cut to its length, so an
// append cannot spill into the padding.
func allocAligned(size int) []byte {
	if size == 0 {
		return []byte{}
	}

	raw := make([]byte, size+pageSize)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(pageSize-1)); rem != 0 {
		offset = pageSize - rem
	}
	return raw[offset : offset+size : offset+size]
}
