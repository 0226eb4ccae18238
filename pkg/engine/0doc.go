// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package engine implements the write side of a connection.
//
// An Engine owns one socket for writing. A dedicated goroutine drains a job
// queue, frames each package and writes it either as plaintext or through the
// TLS record layer, based on the package type's route. Heartbeats are injected
// on idle connections if the peer supports them.
//
// The Engine's lifecycle is an explicit state machine:
//
//	Stopped ──Start──▶ Starting ──▶ Started ──Stop/error──▶ Stopping ──▶ Stopped
//
// For a handoff, a started Engine can be paused by PauseAndSend. A paused
// Engine finishes its in-flight job and parks until Resume or Stop.
package engine
