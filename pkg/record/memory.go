// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultHighWater bounds the outbound ciphertext of a MemoryEngine before
// WriteApp reports WantWrite.
const DefaultHighWater = 4 * MaxRecordSize

// memAddr is the address of both ends of a memConn.
type memAddr struct{}

func (memAddr) Network() string { return "memory" }
func (memAddr) String() string  { return "memory" }

// memConn is an in-memory net.Conn underneath a tls.Conn. Reads block until
// ciphertext was fed; writes append to the outbound buffer and never block.
type memConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	closed bool
}

func newMemConn() *memConn {
	c := &memConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.in) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.in) == 0 {
		return 0, io.EOF
	}

	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

func (c *memConn) feed(p []byte) {
	c.mu.Lock()
	c.in = append(c.in, p...)
	c.mu.Unlock()

	c.cond.Broadcast()
}

func (c *memConn) pending() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.out
}

func (c *memConn) consume(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n >= len(c.out) {
		// A fresh slice keeps already handed out chunks untouched.
		c.out = nil
	} else {
		c.out = c.out[n:]
	}
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cond.Broadcast()
	return nil
}

func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(_ time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(_ time.Time) error { return nil }

// sessionCapture is a tls.ClientSessionCache remembering the latest session,
// so it can be exported.
type sessionCapture struct {
	base tls.ClientSessionCache

	mu     sync.Mutex
	latest *tls.ClientSessionState
}

func (sc *sessionCapture) Get(key string) (*tls.ClientSessionState, bool) {
	if sc.base == nil {
		return nil, false
	}
	return sc.base.Get(key)
}

func (sc *sessionCapture) Put(key string, cs *tls.ClientSessionState) {
	if cs != nil {
		sc.mu.Lock()
		sc.latest = cs
		sc.mu.Unlock()
	}

	if sc.base != nil {
		sc.base.Put(key, cs)
	}
}

func (sc *sessionCapture) session() *tls.ClientSessionState {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.latest
}

// MemoryEngine is an Engine based on crypto/tls. Ciphertext from the peer is
// supplied by Feed; application data is read by Read. The handshake starts
// with the engine's creation.
type MemoryEngine struct {
	conn    *tls.Conn
	bio     *memConn
	capture *sessionCapture

	// HighWater bounds the outbound ciphertext buffer.
	HighWater int

	reason BlockReason

	hsDone chan struct{}
	hsErr  error
}

// NewClientEngine starts a client side MemoryEngine.
func NewClientEngine(cfg *tls.Config) *MemoryEngine {
	cfg = cfg.Clone()
	capture := &sessionCapture{base: cfg.ClientSessionCache}
	cfg.ClientSessionCache = capture

	bio := newMemConn()
	return startEngine(tls.Client(bio, cfg), bio, capture)
}

// NewServerEngine starts a server side MemoryEngine.
func NewServerEngine(cfg *tls.Config) *MemoryEngine {
	bio := newMemConn()
	return startEngine(tls.Server(bio, cfg), bio, nil)
}

func startEngine(conn *tls.Conn, bio *memConn, capture *sessionCapture) *MemoryEngine {
	e := &MemoryEngine{
		conn:      conn,
		bio:       bio,
		capture:   capture,
		HighWater: DefaultHighWater,
		hsDone:    make(chan struct{}),
	}

	go func() {
		e.hsErr = e.conn.Handshake()
		close(e.hsDone)
	}()

	return e
}

// Feed ciphertext received from the peer.
func (e *MemoryEngine) Feed(p []byte) {
	e.bio.feed(p)
}

// Read decrypted application data. Read blocks until enough ciphertext was fed.
func (e *MemoryEngine) Read(p []byte) (int, error) {
	return e.conn.Read(p)
}

// HandshakeDone is closed after the handshake has finished or failed.
func (e *MemoryEngine) HandshakeDone() <-chan struct{} {
	return e.hsDone
}

// HandshakeErr is the handshake's error, valid after HandshakeDone.
func (e *MemoryEngine) HandshakeErr() error {
	select {
	case <-e.hsDone:
		return e.hsErr
	default:
		return nil
	}
}

// ConnectionState of the underlying tls.Conn.
func (e *MemoryEngine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

// Close this engine; blocked reads return io.EOF.
func (e *MemoryEngine) Close() error {
	return e.bio.Close()
}

func (e *MemoryEngine) WriteGuarantee() int {
	return MaxRecordSize
}

func (e *MemoryEngine) WriteApp(p []byte) (int, error) {
	select {
	case <-e.hsDone:
	default:
		e.reason = WantRead
		return 0, ErrWouldBlock
	}

	if e.hsErr != nil {
		e.reason = BlockError
		return 0, e.hsErr
	}

	if len(e.bio.pending()) >= e.HighWater {
		e.reason = WantWrite
		return 0, ErrWouldBlock
	}

	n, err := e.conn.Write(p)
	if err != nil {
		e.reason = BlockError
		return n, err
	}

	e.reason = BlockNone
	return n, nil
}

func (e *MemoryEngine) BlockReason() BlockReason {
	return e.reason
}

func (e *MemoryEngine) Pending() []byte {
	return e.bio.pending()
}

func (e *MemoryEngine) Consume(n int) {
	e.bio.consume(n)
}

func (e *MemoryEngine) HandshakeInProgress() bool {
	select {
	case <-e.hsDone:
		return false
	default:
		return true
	}
}

// Session exports the latest client session. Server engines have none.
func (e *MemoryEngine) Session() ([]byte, error) {
	if e.capture == nil {
		return nil, ErrNoSession
	}

	cs := e.capture.session()
	if cs == nil {
		return nil, ErrNoSession
	}
	return EncodeSession(cs)
}
