// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/vmfabric/vmtrans/pkg/wire"
)

// signal is a one-shot notification with a Result, observable by any number
// of waiters.
type signal struct {
	once   sync.Once
	done   chan struct{}
	result Result
	pkg    *wire.Package
}

func newSignal() *signal {
	return &signal{done: make(chan struct{})}
}

// notify resolves this signal. Only the first call has an effect, which is
// reported by the return value.
func (s *signal) notify(r Result, pkg *wire.Package) (first bool) {
	s.once.Do(func() {
		s.result = r
		s.pkg = pkg
		close(s.done)
		first = true
	})
	return
}

func (s *signal) resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait for this signal. A zero timeout waits indefinitely. An elapsed timeout
// is only local to this waiter.
func (s *signal) wait(timeout time.Duration) (Result, *wire.Package) {
	if timeout <= 0 {
		<-s.done
		return s.result, s.pkg
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.result, s.pkg
	case <-timer.C:
		return Timeout, nil
	}
}

// Job is the in-flight bookkeeping for one Package to be sent.
//
// A Job carries two independent signals. Sent is resolved by the engine after
// the Package was written or the write failed. Response is resolved when a
// correlated response arrives or when the Job is abandoned.
type Job struct {
	Package *wire.Package

	// Urgent Jobs bypass the active list and are written by the caller itself.
	Urgent bool

	// Timeout bounds each single write of this Job; zero means no deadline.
	Timeout time.Duration

	expectResponse bool
	heartbeat      bool

	sent     *signal
	response *signal

	// guarded by the owning Queue's mutex
	releaseRequested bool
	released         bool
}

// Option configures a Job on Enqueue.
type Option func(*Job)

// WithUrgent marks a Job as urgent.
func WithUrgent() Option {
	return func(j *Job) { j.Urgent = true }
}

// WithTimeout sets a per-write timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(j *Job) { j.Timeout = timeout }
}

// WithResponse makes a Job wait for a correlated response before release.
func WithResponse() Option {
	return func(j *Job) { j.expectResponse = true }
}

func newJob(pkg *wire.Package, opts ...Option) *Job {
	j := &Job{
		Package:  pkg,
		sent:     newSignal(),
		response: newSignal(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ExpectsResponse reports if this Job waits for a response.
func (j *Job) ExpectsResponse() bool {
	return j.expectResponse
}

// IsHeartbeat reports if this Job is a Queue's heartbeat singleton.
func (j *Job) IsHeartbeat() bool {
	return j.heartbeat
}

// NotifySent resolves the Sent signal. Later calls are ignored and reported
// by a false return value.
func (j *Job) NotifySent(r Result) bool {
	return j.sent.notify(r, nil)
}

// SendNotified checks if the Sent signal was already resolved.
func (j *Job) SendNotified() bool {
	return j.sent.resolved()
}

// NotifyResponse resolves the Response signal, with the response Package on
// Success. Later calls are ignored and reported by a false return value.
func (j *Job) NotifyResponse(r Result, pkg *wire.Package) bool {
	return j.response.notify(r, pkg)
}

// ResponseNotified checks if the Response signal was already resolved.
func (j *Job) ResponseNotified() bool {
	return j.response.resolved()
}

// Sent returns a channel which is closed after the Sent signal was resolved.
func (j *Job) Sent() <-chan struct{} {
	return j.sent.done
}

// WaitSent blocks until the Package was written or failed, or until the local
// timeout elapsed. A zero timeout waits indefinitely. Timing out does not
// cancel the write itself.
func (j *Job) WaitSent(timeout time.Duration) Result {
	r, _ := j.sent.wait(timeout)
	return r
}

// WaitResponse blocks until a response arrived or the Job was abandoned, or
// until the local timeout elapsed. Jobs without an expected response fail
// immediately.
func (j *Job) WaitResponse(timeout time.Duration) (Result, *wire.Package) {
	if !j.expectResponse {
		return Fail, nil
	}
	return j.response.wait(timeout)
}

// settled checks if both signals are resolved, or Sent only, if no response is
// expected.
func (j *Job) settled() bool {
	if !j.sent.resolved() {
		return false
	}
	return !j.expectResponse || j.response.resolved()
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(%v, urgent=%t, response=%t)", j.Package, j.Urgent, j.expectResponse)
}
