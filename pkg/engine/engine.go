// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// State of an Engine's lifecycle.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	default:
		return "INVALID"
	}
}

// Errors of the pause and handoff operations.
var (
	ErrNotStarted    = errors.New("engine: not started")
	ErrAlreadyPaused = errors.New("engine: already paused")
	ErrNotPaused     = errors.New("engine: not paused")
	ErrDetaching     = errors.New("engine: detaching engines cannot be resumed")
)

// Engine is the write side of one connection. The zero value is not usable;
// create an Engine by New.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	state      State
	params     Params
	router     route.Router
	generation uint64
	startErr   error
	stopReason jobs.Result

	stopRequested     bool
	finalizeRequested bool
	paused            bool
	detaching         bool
	parked            bool

	// writeMu serializes socket writes of the loop and of urgent sends.
	writeMu sync.Mutex

	sequence wire.Sequence

	bytesSent      atomic.Uint64
	packagesSent   atomic.Uint64
	heartbeatsSent atomic.Uint64

	name       atomic.Value
	reportChan chan Status
}

// New creates a stopped Engine.
func New() *Engine {
	e := &Engine{
		state:      Stopped,
		stopReason: jobs.Success,
		reportChan: make(chan Status, 32),
	}
	e.cond = sync.NewCond(&e.mu)
	e.name.Store("Engine(unstarted)")
	return e
}

func (e *Engine) String() string {
	return e.name.Load().(string)
}

func (e *Engine) log() *log.Entry {
	return log.WithField("engine", e.String())
}

// Channel represents a return channel for lifecycle events. Events are dropped
// if the channel is full.
func (e *Engine) Channel() <-chan Status {
	return e.reportChan
}

func (e *Engine) report(st Status) {
	select {
	case e.reportChan <- st:
	default:
		e.log().WithField("status", st.MessageType).Debug("Status channel is full, dropping status")
	}
}

// State of this Engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Generation counts successful transitions into Starting.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.generation
}

// Stats returns a copy of this Engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BytesSent:      e.bytesSent.Load(),
		PackagesSent:   e.packagesSent.Load(),
		HeartbeatsSent: e.heartbeatsSent.Load(),
	}
}

// SetRouter replaces the routing table. It takes effect with the next job.
func (e *Engine) SetRouter(r route.Router) {
	if r == nil {
		return
	}

	e.mu.Lock()
	e.router = r
	e.mu.Unlock()
}

func (e *Engine) currentRouter() route.Router {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.router
}

// Start this Engine and block until its goroutine reports.
//
// Starting a Starting or Started Engine does nothing and returns nil, unless
// the concurrent start failed. Starting a Stopping Engine waits for it to stop
// and proceeds afterwards.
func (e *Engine) Start(p Params) error {
	if err := p.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		switch e.state {
		case Started:
			return nil

		case Starting:
			gen := e.generation
			for e.state == Starting {
				e.cond.Wait()
			}
			if e.generation == gen && e.state == Stopped && e.startErr != nil {
				return e.startErr
			}
			return nil

		case Stopping:
			for e.state == Stopping {
				e.cond.Wait()
			}
			continue
		}

		break
	}

	e.state = Starting
	e.params = p
	e.router = p.Router
	e.generation++
	e.startErr = nil
	e.stopReason = jobs.Success
	e.stopRequested = false
	e.finalizeRequested = false
	e.paused = false
	e.detaching = false
	e.parked = false
	e.name.Store(fmt.Sprintf("Engine(local=%v, peer=%v, remote=%v)", p.LocalID, p.PeerID, p.Conn.RemoteAddr()))

	gen := e.generation
	go e.run()

	for e.state == Starting {
		e.cond.Wait()
	}
	if e.generation == gen && e.state == Stopped && e.startErr != nil {
		return e.startErr
	}
	return nil
}

// Stop this Engine and return the reason it stopped for. Stop is idempotent
// and safe for concurrent use. It must not be called from a hook; use
// Finalize instead.
func (e *Engine) Stop() jobs.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		switch e.state {
		case Stopped:
			return e.stopReason

		case Starting:
			e.cond.Wait()

		case Started:
			e.state = Stopping
			e.stopRequested = true
			e.cond.Broadcast()

			// Interrupt a blocked write; deadlines are local to this handle.
			_ = e.params.Conn.SetWriteDeadline(time.Now())
			e.params.Waker.Wake()

		case Stopping:
			e.params.Waker.Wake()
			e.cond.Wait()
		}
	}
}

// Finalize marks this Engine to stop after the current job. It is the variant
// of Stop to be called from within a hook and does not wait.
func (e *Engine) Finalize() {
	e.mu.Lock()
	e.finalizeRequested = true
	e.mu.Unlock()
}

// Wait blocks until this Engine is stopped or the timeout elapsed. It reports
// whether the Engine is stopped.
func (e *Engine) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		if e.State() == Stopped {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
