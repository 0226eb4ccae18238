// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/metrics"
	"github.com/vmfabric/vmtrans/pkg/record"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// handshakePoll bounds the wait for handshake progress, in case the read side
// does not wake the Engine.
const handshakePoll = 50 * time.Millisecond

// forever disables a wait's timer.
const forever time.Duration = -1

var errNoRecordLayer = errors.New("engine: secured route without TLS record layer")

// stopGuard arms write deadlines under the Engine's lock. Once a stop was
// requested, no deadline can replace the one set by Stop and every further
// write fails with net.ErrClosed.
type stopGuard struct {
	net.Conn
	e *Engine
}

func (g stopGuard) SetWriteDeadline(t time.Time) error {
	g.e.mu.Lock()
	defer g.e.mu.Unlock()

	if g.e.stopRequested {
		return net.ErrClosed
	}
	return g.Conn.SetWriteDeadline(t)
}

func (e *Engine) run() {
	p := e.params

	if err := p.Conn.SetWriteDeadline(time.Time{}); err != nil {
		e.mu.Lock()
		e.startErr = fmt.Errorf("engine: resetting write deadline: %w", err)
		e.state = Stopped
		e.cond.Broadcast()
		e.mu.Unlock()

		e.log().WithError(err).Warn("Starting engine failed")
		return
	}

	e.mu.Lock()
	if e.state == Starting {
		e.state = Started
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	e.log().WithField("peer version", p.PeerVersion).Info("Started engine")
	metrics.EngineStarted()
	e.report(newStatus(e, EngineStarted, nil))

	reason := e.loop(p)
	e.finish(p, reason)
}

// loop drains the Queue until a stop or a fatal write error.
func (e *Engine) loop(p Params) jobs.Result {
	lastSend := time.Now()
	interval := p.heartbeatInterval()

	for {
		e.mu.Lock()
		if e.state != Started || e.finalizeRequested {
			e.mu.Unlock()
			return jobs.ConnClosedByUser
		}
		paused := e.paused
		e.parked = false
		e.mu.Unlock()

		// Handshake driven ciphertext must not starve without application data.
		if p.Record != nil {
			e.writeMu.Lock()
			_, err := p.Record.Flush(stopGuard{p.Conn, e}, 0)
			e.writeMu.Unlock()

			if err != nil {
				e.log().WithError(err).Warn("Flushing TLS output failed")
				return e.classify(err)
			}
		}

		if paused {
			e.mu.Lock()
			e.parked = e.paused
			e.cond.Broadcast()
			e.mu.Unlock()

			e.waitWake(p, forever)
			continue
		}

		if p.Record != nil && p.Record.HandshakeInProgress() {
			e.waitWake(p, handshakePoll)
			continue
		}

		job := p.Queue.NextActive()
		if job == nil && p.heartbeats() && time.Since(lastSend) >= interval {
			job = p.Queue.HeartbeatJob()
		}

		if job == nil {
			timeout := forever
			if p.heartbeats() {
				timeout = time.Until(lastSend.Add(interval))
				if timeout <= 0 {
					timeout = time.Millisecond
				}
			}
			e.waitWake(p, timeout)
			continue
		}

		r, fatal := e.sendJob(p, job)
		if r == jobs.Success {
			lastSend = time.Now()
		}
		if fatal {
			return r
		}
	}
}

func (e *Engine) waitWake(p Params, timeout time.Duration) {
	if timeout < 0 {
		<-p.Waker.C()
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Waker.C():
	case <-timer.C:
	}
}

// prepare fills in a package's identity and seals it.
func (e *Engine) prepare(p Params, pkg *wire.Package) {
	pkg.EnsureID()
	if pkg.Header.SenderID == uuid.Nil {
		pkg.Header.SenderID = p.LocalID
	}
	if pkg.Header.ReceiverID == uuid.Nil {
		pkg.Header.ReceiverID = p.PeerID
	}

	seq := p.Sequence
	if seq == nil {
		seq = &e.sequence
	}
	seq.Assign(pkg)
	pkg.Seal()
}

// sendJob writes one job and resolves it. A fatal result ends the loop.
func (e *Engine) sendJob(p Params, job *jobs.Job) (r jobs.Result, fatal bool) {
	pkg := job.Package
	logger := e.log().WithField("package", pkg)

	if hook := p.Hooks.BeforeSend; hook != nil {
		if err := hook(e, job); err != nil {
			logger.WithError(err).Warn("Before send hook rejected job")
			e.resolve(p, job, jobs.Fail)
			return jobs.Fail, false
		}
	}

	e.prepare(p, pkg)
	rt := e.currentRouter().RouteFor(pkg.Header.Type)

	r, written := e.writePackage(p, pkg, rt, job.Timeout)

	if hook := p.Hooks.AfterSend; hook != nil {
		hook(e, job, r)
	}

	switch {
	case r == jobs.Success:
		e.account(pkg, job.IsHeartbeat())
		logger.WithField("route", rt).Debug("Sent package")

		job.NotifySent(jobs.Success)
		p.Queue.Release(job)
		return jobs.Success, false

	case r == jobs.Timeout && written == 0:
		logger.WithField("timeout", job.Timeout).Info("Package write timed out before any byte was written")
		metrics.WriteFailed(r.String())

		e.resolve(p, job, jobs.Timeout)
		return r, false

	default:
		logger.WithField("result", r).WithField("written", written).Warn("Writing package failed")
		metrics.WriteFailed(r.String())

		e.resolve(p, job, jobs.Fail)
		return r, true
	}
}

// resolve both of a job's signals with a failure and release it.
func (e *Engine) resolve(p Params, job *jobs.Job, r jobs.Result) {
	job.NotifySent(r)
	job.NotifyResponse(r, nil)
	p.Queue.Release(job)
}

func (e *Engine) account(pkg *wire.Package, heartbeat bool) {
	e.bytesSent.Add(uint64(pkg.Size()))
	metrics.BytesSent(pkg.Size())
	metrics.PackageSent(heartbeat)

	if heartbeat {
		e.heartbeatsSent.Add(1)
	} else {
		e.packagesSent.Add(1)
	}
}

// writePackage writes the head and each buffer on its own through the route's
// writer. It returns the result and the amount of bytes already written.
func (e *Engine) writePackage(p Params, pkg *wire.Package, rt route.Route, timeout time.Duration) (jobs.Result, int) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn := stopGuard{p.Conn, e}

	var write func([]byte) (int, error)
	switch {
	case rt == route.Secured && p.Record != nil:
		write = func(b []byte) (int, error) { return p.Record.Write(conn, b, timeout) }
	case rt == route.Secured:
		e.log().WithField("type", wire.TypeName(pkg.Header.Type)).Error("Secured route requested without TLS")
		return e.classify(errNoRecordLayer), 0
	default:
		pw := record.PlainWriter{Framed: p.Record != nil}
		write = func(b []byte) (int, error) { return pw.Write(conn, b, timeout) }
	}

	written := 0

	n, err := write(wire.EncodeHead(pkg))
	written += n
	if err != nil {
		return e.classify(err), written
	}

	for _, buf := range pkg.Buffers {
		if buf.Len() == 0 {
			continue
		}

		n, err = write(buf.Bytes())
		written += n
		if err != nil {
			return e.classify(err), written
		}
	}

	return jobs.Success, written
}

// classify maps a write error to a Result.
func (e *Engine) classify(err error) jobs.Result {
	if err == nil {
		return jobs.Success
	}

	e.mu.Lock()
	stopping := e.stopRequested
	e.mu.Unlock()

	if stopping {
		return jobs.ConnClosedByUser
	}

	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return jobs.Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return jobs.Timeout
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return jobs.ConnClosedByPeer
	case errors.Is(err, net.ErrClosed):
		return jobs.ConnClosedByUser
	case errors.Is(err, syscall.EFAULT), errors.Is(err, syscall.EINVAL), errors.Is(err, errNoRecordLayer):
		return jobs.InvalidPackage
	default:
		return jobs.Fail
	}
}

// finish resolves all outstanding jobs and transitions into Stopped.
func (e *Engine) finish(p Params, reason jobs.Result) {
	e.mu.Lock()
	e.state = Stopping
	e.parked = false
	e.cond.Broadcast()
	e.mu.Unlock()

	failed := 0
	for _, job := range p.Queue.BusyJobs() {
		if job.NotifySent(jobs.Fail) {
			failed++
		}
		job.NotifyResponse(jobs.Fail, nil)
		p.Queue.Release(job)
	}

	p.Waker.drain()

	var closeErr error
	if p.OwnsConn {
		if err := p.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErr = multierror.Append(closeErr, err)
		}
		if p.Record != nil {
			if closer, ok := p.Record.Engine().(io.Closer); ok {
				if err := closer.Close(); err != nil {
					closeErr = multierror.Append(closeErr, err)
				}
			}
		}
	}
	if closeErr != nil {
		e.log().WithError(closeErr).Debug("Error occurred while closing")
	}

	uncommanded := !reason.IsConnClose()
	logger := e.log().WithField("reason", reason).WithField("failed jobs", failed)
	if uncommanded {
		logger.Error("Engine stopped due to uncommanded error")
	} else {
		logger.Info("Engine stopped")
	}

	metrics.EngineStopped(reason.String())
	e.report(newStatus(e, EngineStopped, StopInfo{Reason: reason, Uncommanded: uncommanded}))

	e.mu.Lock()
	e.stopReason = reason
	e.state = Stopped
	e.paused = false
	e.detaching = false
	e.stopRequested = false
	e.finalizeRequested = false
	e.cond.Broadcast()
	e.mu.Unlock()
}
