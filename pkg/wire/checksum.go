// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "github.com/howeyc/crc16"

var crc16table = crc16.MakeTable(crc16.CCITT)

// Checksum calculates a Header's CRC-16/CCITT. The checksum field itself is
// excluded, so the value does not depend on a previously set checksum.
func Checksum(h Header) uint16 {
	var raw [HeaderSize]byte
	putHeader(raw[:], h)

	data := append(raw[:offChecksum:offChecksum], raw[offChecksum+2:]...)
	return crc16.Checksum(data, crc16table)
}
