// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the package format exchanged between a management
// client and a hypervisor-host service.
//
// A Package consists of a fixed-size Header and zero or more Buffers. On the
// wire, the header is followed by a descriptor table, one entry per buffer,
// and the concatenated buffer payloads:
//
//	┌──────────────┬──────────────────────────┬─────────────────────┐
//	│ Header (82B) │ Descriptors (5B × count) │ Payloads (Σ sizes)  │
//	└──────────────┴──────────────────────────┴─────────────────────┘
//
// All integers are little-endian. The header's checksum is a CRC-16/CCITT
// over the header bytes, excluding the checksum field itself.
//
// Buffers are immutable once attached. Cloning a Package shallowly shares
// their storage; a deep clone copies the bytes.
package wire
