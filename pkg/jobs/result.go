// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package jobs

import "errors"

// Result is the outcome of a Job's send or of waiting for its response.
type Result int

const (
	// Success indicates a completed operation.
	Success Result = iota

	// Fail is the generic failure; the connection is presumed dead.
	Fail

	// Timeout indicates an elapsed deadline. The connection may still be alive.
	Timeout

	// ConnClosedByPeer indicates a connection closed or reset by the remote side.
	ConnClosedByPeer

	// ConnClosedByUser indicates a connection which was stopped locally.
	ConnClosedByUser

	// InvalidPackage indicates that the write primitive rejected the payload.
	InvalidPackage

	// SendQueueIsFull indicates an exhausted Queue. The caller may retry later.
	SendQueueIsFull
)

// Sentinel errors, one per failing Result.
var (
	ErrFail             = errors.New("jobs: operation failed")
	ErrTimeout          = errors.New("jobs: timeout")
	ErrConnClosedByPeer = errors.New("jobs: connection closed by peer")
	ErrConnClosedByUser = errors.New("jobs: connection closed by user")
	ErrInvalidPackage   = errors.New("jobs: invalid package")
	ErrQueueFull        = errors.New("jobs: send queue is full")
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Fail:
		return "Fail"
	case Timeout:
		return "Timeout"
	case ConnClosedByPeer:
		return "ConnClosedByPeer"
	case ConnClosedByUser:
		return "ConnClosedByUser"
	case InvalidPackage:
		return "InvalidPackage"
	case SendQueueIsFull:
		return "SendQueueIsFull"
	default:
		return "INVALID"
	}
}

// Err returns the sentinel error for this Result, nil for Success.
func (r Result) Err() error {
	switch r {
	case Success:
		return nil
	case Timeout:
		return ErrTimeout
	case ConnClosedByPeer:
		return ErrConnClosedByPeer
	case ConnClosedByUser:
		return ErrConnClosedByUser
	case InvalidPackage:
		return ErrInvalidPackage
	case SendQueueIsFull:
		return ErrQueueFull
	default:
		return ErrFail
	}
}

// IsConnClose checks if this Result reports an expected close, initiated by
// either side.
func (r Result) IsConnClose() bool {
	return r == ConnClosedByPeer || r == ConnClosedByUser
}

// JobResult collapses a connection level Result into the outcome reported to a
// Job's waiters. The reason for a closed connection is only kept on the engine.
func (r Result) JobResult() Result {
	if r.IsConnClose() {
		return Fail
	}
	return r
}
