// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/vmfabric/vmtrans/pkg/jobs"
)

// StatusType indicates the kind of a Status.
type StatusType uint

const (
	_ StatusType = iota

	// EngineStarted shows a started Engine. The Message is nil.
	EngineStarted

	// EnginePaused shows a paused Engine. The Message is a bool, true for a
	// detaching Engine.
	EnginePaused

	// EngineResumed shows a resumed Engine. The Message is nil.
	EngineResumed

	// EngineStopped shows a stopped Engine. The Message is a StopInfo.
	EngineStopped
)

func (st StatusType) String() string {
	switch st {
	case EngineStarted:
		return "Engine Started"
	case EnginePaused:
		return "Engine Paused"
	case EngineResumed:
		return "Engine Resumed"
	case EngineStopped:
		return "Engine Stopped"
	default:
		return "Unknown Type"
	}
}

// Status allows transmission of lifecycle events via a return channel from
// an Engine.
type Status struct {
	Sender      *Engine
	MessageType StatusType
	Message     interface{}
}

func (s Status) String() string {
	return fmt.Sprintf("%v from %v", s.MessageType, s.Sender)
}

// StopInfo is the Message of an EngineStopped Status.
type StopInfo struct {
	// Reason is the authoritative cause of the stop.
	Reason jobs.Result

	// Uncommanded is set unless the connection was closed by peer or user.
	Uncommanded bool
}

func newStatus(e *Engine, st StatusType, msg interface{}) Status {
	return Status{
		Sender:      e,
		MessageType: st,
		Message:     msg,
	}
}

// Stats are the running counters of an Engine.
type Stats struct {
	BytesSent      uint64
	PackagesSent   uint64
	HeartbeatsSent uint64
}
