// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/record"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

const (
	// HeartbeatVersion is the first peer protocol version understanding
	// heartbeats.
	HeartbeatVersion uint32 = 2

	// DefaultHeartbeatInterval is used if Params.HeartbeatInterval is zero.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Queue is the job queue drained by an Engine. It is implemented by
// jobs.Queue.
type Queue interface {
	Enqueue(pkg *wire.Package, opts ...jobs.Option) (*jobs.Job, error)
	NextActive() *jobs.Job
	PeekActive() *jobs.Job
	HeartbeatJob() *jobs.Job
	Release(job *jobs.Job)
	BusyJobs() []*jobs.Job
}

// Waker interrupts an Engine's wait without taking its lock. It must also be
// the Waker of the Engine's Queue.
type Waker struct {
	c chan struct{}
}

// NewWaker creates a Waker.
func NewWaker() *Waker {
	return &Waker{c: make(chan struct{}, 1)}
}

// Wake the Engine. Multiple wakes before the Engine observes one collapse.
func (w *Waker) Wake() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// C is the channel to wait on.
func (w *Waker) C() <-chan struct{} {
	return w.c
}

func (w *Waker) drain() {
	select {
	case <-w.c:
	default:
	}
}

// Hooks are called from within the Engine's goroutine. A hook might call the
// Engine's Finalize method to end the Engine after the current job.
type Hooks struct {
	// BeforeSend is called before a job is written. An error skips this job,
	// which fails without affecting the Engine.
	BeforeSend func(*Engine, *jobs.Job) error

	// AfterSend is called after a job was written or failed.
	AfterSend func(*Engine, *jobs.Job, jobs.Result)
}

// Params to start an Engine.
type Params struct {
	// Conn is the socket to write to.
	Conn net.Conn

	// LocalID and PeerID identify both ends; they must not be uuid.Nil.
	LocalID uuid.UUID
	PeerID  uuid.UUID

	// PeerVersion is the peer's negotiated protocol version.
	PeerVersion uint32

	// Router selects each package's route.
	Router route.Router

	// Queue to drain, created with Waker as its waker.
	Queue Queue
	Waker *Waker

	// Record is the TLS record layer. If nil, the connection carries no TLS and
	// plaintext is written as it is.
	Record *record.Adapter

	// Hooks around each job's write.
	Hooks Hooks

	// HeartbeatInterval after which an idle connection sends a heartbeat.
	HeartbeatInterval time.Duration

	// Sequence assigns numeric package IDs. If nil, the Engine uses its own.
	Sequence *wire.Sequence

	// OwnsConn lets the Engine close Conn when stopping.
	OwnsConn bool
}

// Errors returned by Start.
var (
	ErrNoConn   = errors.New("engine: no connection")
	ErrNilID    = errors.New("engine: nil connection ID")
	ErrNoRouter = errors.New("engine: no router")
	ErrNoQueue  = errors.New("engine: no job queue")
	ErrNoWaker  = errors.New("engine: no waker")
)

func (p Params) validate() error {
	switch {
	case p.Conn == nil:
		return ErrNoConn
	case p.LocalID == uuid.Nil || p.PeerID == uuid.Nil:
		return ErrNilID
	case p.Router == nil:
		return ErrNoRouter
	case p.Queue == nil:
		return ErrNoQueue
	case p.Waker == nil || p.Waker.c == nil:
		return ErrNoWaker
	default:
		return nil
	}
}

func (p Params) heartbeatInterval() time.Duration {
	if p.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval
	}
	return p.HeartbeatInterval
}

func (p Params) heartbeats() bool {
	return p.PeerVersion >= HeartbeatVersion
}
