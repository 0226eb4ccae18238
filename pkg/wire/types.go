// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "fmt"

// Message types reserved by the transport itself. Application message types
// must not collide with this range.
const (
	// TypeHeartbeat is an empty package synthesized when a connection was idle.
	TypeHeartbeat uint32 = 0xFFFF0001

	// TypePause announces a paused connection, sent as an urgent package before
	// a handoff.
	TypePause uint32 = 0xFFFF0002

	// TypeHandoff carries a serialized connection state between processes.
	TypeHandoff uint32 = 0xFFFF0003

	// typeReservedStart is the first reserved message type.
	typeReservedStart uint32 = 0xFFFF0000
)

// IsReservedType checks if a message type belongs to the transport's own range.
func IsReservedType(typ uint32) bool {
	return typ >= typeReservedStart
}

// TypeName returns a human readable name for a message type, used for logging.
func TypeName(typ uint32) string {
	switch typ {
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypePause:
		return "PAUSE"
	case TypeHandoff:
		return "HANDOFF"
	default:
		if IsReservedType(typ) {
			return fmt.Sprintf("RESERVED(%#x)", typ)
		}
		return fmt.Sprintf("%d", typ)
	}
}
