// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Adapter writes application data through an Engine onto a socket.
//
// Engine state is only touched while holding the Adapter's lock. Ciphertext is
// written to the socket without holding it, since a Pending chunk is private
// until consumed.
type Adapter struct {
	eng Engine
	mu  sync.Locker
}

// NewAdapter for an Engine. The lock is shared with the read side; if nil, a
// private mutex is used.
func NewAdapter(eng Engine, mu sync.Locker) *Adapter {
	if mu == nil {
		mu = new(sync.Mutex)
	}
	return &Adapter{eng: eng, mu: mu}
}

// Engine returns the wrapped Engine.
func (a *Adapter) Engine() Engine {
	return a.eng
}

// Locker returns the lock guarding the Engine.
func (a *Adapter) Locker() sync.Locker {
	return a.mu
}

// HandshakeInProgress reports an ongoing handshake.
func (a *Adapter) HandshakeInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.eng.HandshakeInProgress()
}

// HasPending checks for unwritten ciphertext.
func (a *Adapter) HasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.eng.Pending()) > 0
}

// Session exports the Engine's session.
func (a *Adapter) Session() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.eng.Session()
}

// Write p through the Engine and flush the produced ciphertext to conn. Data is
// handed to the Engine in chunks bounded by its write guarantee. The returned
// count is the number of bytes from p accepted by the Engine.
//
// A WantWrite block is resolved by flushing; any other block reason results in
// an error wrapping ErrRecordEngine.
func (a *Adapter) Write(conn net.Conn, p []byte, timeout time.Duration) (n int, err error) {
	for len(p) > 0 {
		a.mu.Lock()
		chunk := p
		if g := a.eng.WriteGuarantee(); g > 0 && len(chunk) > g {
			chunk = chunk[:g]
		}
		m, werr := a.eng.WriteApp(chunk)
		reason := a.eng.BlockReason()
		a.mu.Unlock()

		n += m
		p = p[m:]

		if werr != nil {
			if !errors.Is(werr, ErrWouldBlock) {
				return n, fmt.Errorf("%w: %v", ErrRecordEngine, werr)
			}
			if reason != WantWrite {
				log.WithField("reason", reason).Warn("TLS engine blocked unexpectedly")
				return n, fmt.Errorf("%w: engine blocked, %v", ErrRecordEngine, reason)
			}
		}

		flushed, ferr := a.Flush(conn, timeout)
		if ferr != nil {
			return n, ferr
		}
		if werr != nil && m == 0 && flushed == 0 {
			return n, fmt.Errorf("%w: engine wants to write, but has nothing pending", ErrRecordEngine)
		}
	}

	return n, nil
}

// Flush writes all pending ciphertext to conn. Each chunk write is bounded by
// the timeout; zero means no deadline. The number of written bytes is returned.
func (a *Adapter) Flush(conn net.Conn, timeout time.Duration) (n int, err error) {
	for {
		a.mu.Lock()
		chunk := a.eng.Pending()
		a.mu.Unlock()

		if len(chunk) == 0 {
			return
		}

		if err = setWriteDeadline(conn, timeout); err != nil {
			return
		}

		m, werr := conn.Write(chunk)
		if m > 0 {
			a.mu.Lock()
			a.eng.Consume(m)
			a.mu.Unlock()
			n += m
		}
		if werr != nil {
			err = werr
			return
		}
	}
}
