// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package jobs

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/vmfabric/vmtrans/pkg/wire"
)

// Waker is notified whenever a new Job became active.
type Waker interface {
	Wake()
}

// Queue is a bounded pool of Jobs. Producers call Enqueue; one consumer, the
// write engine, pulls Jobs by NextActive. Queue is safe for concurrent use.
//
// Every unreleased Job, urgent ones included, occupies one slot. The
// heartbeat singleton never does.
type Queue struct {
	mu sync.Mutex

	capacity  int
	jobs      map[*Job]struct{}
	active    []*Job
	heartbeat *Job

	waker Waker
}

// NewQueue creates a Queue holding at most capacity Jobs. The waker might be
// nil and can be set later by SetWaker.
func NewQueue(capacity int, waker Waker) *Queue {
	if capacity < 1 {
		capacity = 1
	}

	return &Queue{
		capacity: capacity,
		jobs:     make(map[*Job]struct{}),
		waker:    waker,
	}
}

// SetWaker replaces the Waker, e.g., after a handoff.
func (q *Queue) SetWaker(waker Waker) {
	q.mu.Lock()
	q.waker = waker
	q.mu.Unlock()
}

// Enqueue a Package as a new Job. If the Queue is full, ErrQueueFull is
// returned immediately. Urgent Jobs take a slot, but are not handed out by
// NextActive.
func (q *Queue) Enqueue(pkg *wire.Package, opts ...Option) (*Job, error) {
	if pkg == nil {
		return nil, fmt.Errorf("jobs: nil package")
	}

	j := newJob(pkg, opts...)

	q.mu.Lock()
	if len(q.jobs) >= q.capacity {
		q.mu.Unlock()

		log.WithFields(log.Fields{
			"package":  pkg,
			"capacity": q.capacity,
		}).Debug("Job queue is full, refusing package")
		return nil, ErrQueueFull
	}

	q.jobs[j] = struct{}{}
	if !j.Urgent {
		q.active = append(q.active, j)
	}
	waker := q.waker
	q.mu.Unlock()

	if !j.Urgent && waker != nil {
		waker.Wake()
	}
	return j, nil
}

// NextActive removes and returns the oldest queued Job, or nil if there is
// none. The Job stays unreleased until Release.
func (q *Queue) NextActive() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) == 0 {
		return nil
	}

	j := q.active[0]
	q.active[0] = nil
	q.active = q.active[1:]
	return j
}

// PeekActive returns the oldest queued Job without removing it.
func (q *Queue) PeekActive() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) == 0 {
		return nil
	}
	return q.active[0]
}

// HeartbeatJob returns the heartbeat Job. While it is not released, the same
// instance is returned.
func (q *Queue) HeartbeatJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heartbeat == nil {
		q.heartbeat = newJob(wire.New(wire.TypeHeartbeat))
		q.heartbeat.heartbeat = true
	}
	return q.heartbeat
}

// Release a Job. Its slot is freed as soon as the Sent signal and, if a
// response is expected, the Response signal are resolved. Until then, the Job
// is listed by BusyJobs.
func (q *Queue) Release(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j.releaseRequested = true
	q.tryRelease(j)
}

// tryRelease must be called while holding the mutex.
func (q *Queue) tryRelease(j *Job) {
	if j.released || !j.releaseRequested || !j.settled() {
		return
	}
	j.released = true

	if j == q.heartbeat {
		q.heartbeat = nil
		return
	}

	delete(q.jobs, j)
	for i, a := range q.active {
		if a == j {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}
}

// Complete resolves the Response signal of the unreleased Job whose Package
// has the given ID. This is the read side's entry point.
func (q *Queue) Complete(parentID uuid.UUID, resp *wire.Package) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for j := range q.jobs {
		if !j.expectResponse || j.Package.Header.ID != parentID {
			continue
		}

		j.NotifyResponse(Success, resp)
		q.tryRelease(j)
		return true
	}

	log.WithField("parent", parentID).Debug("Received response without a matching job")
	return false
}

// BusyJobs lists all unreleased Jobs, queued ones and the pending heartbeat
// included.
func (q *Queue) BusyJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	busy := make([]*Job, 0, len(q.jobs)+1)
	for j := range q.jobs {
		busy = append(busy, j)
	}
	if q.heartbeat != nil {
		busy = append(busy, q.heartbeat)
	}
	return busy
}

// Len is the number of occupied slots.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.jobs)
}

// Queued is the number of Jobs waiting for NextActive.
func (q *Queue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.active)
}

// Capacity of this Queue.
func (q *Queue) Capacity() int {
	return q.capacity
}
