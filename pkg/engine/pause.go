// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/record"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// Send enqueues a package to be written by this Engine.
func (e *Engine) Send(pkg *wire.Package, opts ...jobs.Option) (*jobs.Job, error) {
	e.mu.Lock()
	if e.state != Started {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	q := e.params.Queue
	e.mu.Unlock()

	return q.Enqueue(pkg, opts...)
}

// PauseAndSend pauses this Engine and writes pkg as an urgent package. It
// blocks until that write completed, bounded by the timeout; zero means no
// deadline. A detaching Engine cannot be resumed, only stopped.
//
// On failure, the pause is reverted. The urgent package still takes a queue
// slot while being written.
func (e *Engine) PauseAndSend(pkg *wire.Package, detaching bool, timeout time.Duration) error {
	e.mu.Lock()
	if e.state != Started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.paused {
		e.mu.Unlock()
		return ErrAlreadyPaused
	}
	e.paused = true
	e.detaching = detaching
	p := e.params
	e.mu.Unlock()

	job, err := p.Queue.Enqueue(pkg, jobs.WithUrgent(), jobs.WithTimeout(timeout))
	if err != nil {
		e.unpause()
		return fmt.Errorf("engine: enqueuing urgent package: %w", err)
	}

	e.prepare(p, pkg)
	rt := e.currentRouter().RouteFor(pkg.Header.Type)

	r, _ := e.writePackage(p, pkg, rt, timeout)
	job.NotifySent(r.JobResult())
	job.NotifyResponse(r.JobResult(), nil)
	p.Queue.Release(job)

	if r != jobs.Success {
		e.unpause()
		e.log().WithField("result", r).Warn("Urgent send failed, pause reverted")
		return fmt.Errorf("engine: urgent send: %w", r.Err())
	}

	e.account(pkg, false)
	p.Waker.Wake()

	e.log().WithField("detaching", detaching).Info("Paused engine")
	e.report(newStatus(e, EnginePaused, detaching))
	return nil
}

func (e *Engine) unpause() {
	e.mu.Lock()
	e.paused = false
	e.detaching = false
	e.mu.Unlock()
}

// Resume a paused Engine. Detaching Engines are refused.
func (e *Engine) Resume() error {
	e.mu.Lock()
	switch {
	case e.state != Started:
		e.mu.Unlock()
		return ErrNotStarted
	case !e.paused:
		e.mu.Unlock()
		return ErrNotPaused
	case e.detaching:
		e.mu.Unlock()
		return ErrDetaching
	}
	e.paused = false
	waker := e.params.Waker
	e.mu.Unlock()

	waker.Wake()

	e.log().Info("Resumed engine")
	e.report(newStatus(e, EngineResumed, nil))
	return nil
}

// Paused reports if this Engine is paused, and if it is detaching.
func (e *Engine) Paused() (paused, detaching bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.paused, e.detaching
}

// Snapshot is the state of a paused Engine needed to hand its connection off.
type Snapshot struct {
	Conn        net.Conn
	LocalID     uuid.UUID
	PeerID      uuid.UUID
	PeerVersion uint32
	Router      route.Router
	Record      *record.Adapter

	// Pending is the package of the oldest still queued job, if any.
	Pending *wire.Package
}

// Snapshot waits until a paused Engine has parked and returns its state.
func (e *Engine) Snapshot() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.state == Started && e.paused && !e.parked {
		e.params.Waker.Wake()
		e.cond.Wait()
	}

	switch {
	case e.state != Started:
		return Snapshot{}, ErrNotStarted
	case !e.paused:
		return Snapshot{}, ErrNotPaused
	}

	snap := Snapshot{
		Conn:        e.params.Conn,
		LocalID:     e.params.LocalID,
		PeerID:      e.params.PeerID,
		PeerVersion: e.params.PeerVersion,
		Router:      e.router,
		Record:      e.params.Record,
	}
	if job := e.params.Queue.PeekActive(); job != nil {
		snap.Pending = job.Package
	}
	return snap, nil
}
