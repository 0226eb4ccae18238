// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return
}

func testParams(conn net.Conn, capacity int) (Params, *jobs.Queue) {
	waker := NewWaker()
	q := jobs.NewQueue(capacity, waker)

	return Params{
		Conn:    conn,
		LocalID: uuid.New(),
		PeerID:  uuid.New(),
		Router:  route.NewTable(route.Plaintext),
		Queue:   q,
		Waker:   waker,
	}, q
}

// readPackages decodes packages from conn until it fails.
func readPackages(conn net.Conn) <-chan *wire.Package {
	ch := make(chan *wire.Package, 64)
	go func() {
		defer close(ch)
		for {
			pkg, err := wire.Decode(conn)
			if err != nil {
				return
			}
			ch <- pkg
		}
	}()
	return ch
}

func nextPackage(t *testing.T, ch <-chan *wire.Package) *wire.Package {
	t.Helper()

	select {
	case pkg, ok := <-ch:
		require.True(t, ok, "connection closed")
		return pkg
	case <-time.After(5 * time.Second):
		t.Fatal("No package received")
		return nil
	}
}

// failingConn accepts failAfter writes and fails afterwards with EPIPE.
type failingConn struct {
	net.Conn

	mu        sync.Mutex
	writes    int
	failAfter int
	buf       bytes.Buffer
}

func (fc *failingConn) Write(p []byte) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.writes >= fc.failAfter {
		return 0, &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)}
	}
	fc.writes++
	return fc.buf.Write(p)
}

func (fc *failingConn) SetWriteDeadline(_ time.Time) error { return nil }
func (fc *failingConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (fc *failingConn) Close() error                       { return nil }

func TestEngineBasicSend(t *testing.T) {
	client, server := tcpPair(t)
	p, q := testParams(client, 8)

	e := New()
	require.NoError(t, e.Start(p))
	defer e.Stop()

	pkg := wire.New(7, wire.RawBuffer([]byte{1, 2, 3, 4}))
	job, err := q.Enqueue(pkg)
	require.NoError(t, err)

	require.Equal(t, jobs.Success, job.WaitSent(5*time.Second))

	expected := wire.Encode(pkg)
	received := make([]byte, len(expected))
	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(server, received)
	require.NoError(t, err)
	require.Equal(t, expected, received)

	decoded, err := wire.Decode(bytes.NewReader(received))
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	assert.Equal(t, p.LocalID, decoded.Header.SenderID)
	assert.Equal(t, p.PeerID, decoded.Header.ReceiverID)
	assert.NotZero(t, decoded.Header.NumericID)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.PackagesSent)
	assert.Equal(t, uint64(len(expected)), stats.BytesSent)

	require.Equal(t, jobs.ConnClosedByUser, e.Stop())
	require.Equal(t, Stopped, e.State())
}

func TestEngineStartValidation(t *testing.T) {
	client, _ := tcpPair(t)

	tests := []struct {
		mod func(*Params)
		err error
	}{
		{func(p *Params) { p.Conn = nil }, ErrNoConn},
		{func(p *Params) { p.LocalID = uuid.Nil }, ErrNilID},
		{func(p *Params) { p.PeerID = uuid.Nil }, ErrNilID},
		{func(p *Params) { p.Router = nil }, ErrNoRouter},
		{func(p *Params) { p.Queue = nil }, ErrNoQueue},
		{func(p *Params) { p.Waker = nil }, ErrNoWaker},
		{func(p *Params) { p.Waker = &Waker{} }, ErrNoWaker},
	}

	for _, test := range tests {
		p, _ := testParams(client, 1)
		test.mod(&p)

		e := New()
		require.ErrorIs(t, e.Start(p), test.err)
		require.Equal(t, Stopped, e.State())
	}
}

func TestEngineConcurrentStart(t *testing.T) {
	client, _ := tcpPair(t)
	p, _ := testParams(client, 1)

	e := New()
	defer e.Stop()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Start(p)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, Started, e.State())
	require.Equal(t, uint64(1), e.Generation())
}

func TestEngineStateMachine(t *testing.T) {
	client, _ := tcpPair(t)
	p, _ := testParams(client, 1)

	e := New()
	rnd := rand.New(rand.NewSource(23))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		start := rnd.Intn(2) == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			if start {
				assert.NoError(t, e.Start(p))
			} else {
				e.Stop()
			}

			s := e.State()
			assert.True(t, s >= Stopped && s <= Stopping, "invalid state %v", s)
		}()
	}
	wg.Wait()

	s := e.State()
	require.True(t, s == Stopped || s == Started, "unexpected state %v", s)

	e.Stop()
	require.Equal(t, Stopped, e.State())
	e.Stop()
	require.Equal(t, Stopped, e.State())

	// A stopped Engine can be started again.
	require.NoError(t, e.Start(p))
	require.Equal(t, Started, e.State())
	require.Equal(t, jobs.ConnClosedByUser, e.Stop())
}

func TestEngineTeardown(t *testing.T) {
	// Each package is written as head and one buffer. Five writes let two
	// packages pass and break the third one's buffer.
	conn := &failingConn{failAfter: 5}
	p, q := testParams(conn, 16)

	var queued []*jobs.Job
	for i := 0; i < 6; i++ {
		var opts []jobs.Option
		if i == 0 {
			opts = append(opts, jobs.WithResponse())
		}

		job, err := q.Enqueue(wire.New(uint32(i+1), wire.RawBuffer([]byte{byte(i)})), opts...)
		require.NoError(t, err)
		queued = append(queued, job)
	}

	e := New()
	require.NoError(t, e.Start(p))
	require.True(t, e.Wait(5*time.Second), "engine did not stop on its own")

	expected := []jobs.Result{jobs.Success, jobs.Success, jobs.Fail, jobs.Fail, jobs.Fail, jobs.Fail}
	for i, job := range queued {
		require.Equal(t, expected[i], job.WaitSent(time.Second), "job %d", i)
	}

	r, resp := queued[0].WaitResponse(time.Second)
	require.Equal(t, jobs.Fail, r)
	require.Nil(t, resp)

	require.Equal(t, 0, q.Len())
	require.Equal(t, jobs.ConnClosedByPeer, e.Stop())

	var stopped *StopInfo
	for len(e.Channel()) > 0 {
		st := <-e.Channel()
		if st.MessageType == EngineStopped {
			info := st.Message.(StopInfo)
			stopped = &info
		}
	}
	require.NotNil(t, stopped)
	require.Equal(t, jobs.ConnClosedByPeer, stopped.Reason)
	require.False(t, stopped.Uncommanded)
}

func TestEngineFinalizeFromHook(t *testing.T) {
	client, server := tcpPair(t)
	packages := readPackages(server)
	p, q := testParams(client, 8)

	var after []uint32
	p.Hooks = Hooks{
		BeforeSend: func(e *Engine, job *jobs.Job) error {
			if job.Package.Header.Type == 2 {
				e.Finalize()
			}
			return nil
		},
		AfterSend: func(_ *Engine, job *jobs.Job, r jobs.Result) {
			if r == jobs.Success {
				after = append(after, job.Package.Header.Type)
			}
		},
	}

	var queued []*jobs.Job
	for i := uint32(1); i <= 3; i++ {
		job, err := q.Enqueue(wire.New(i))
		require.NoError(t, err)
		queued = append(queued, job)
	}

	e := New()
	require.NoError(t, e.Start(p))
	require.True(t, e.Wait(5*time.Second))

	require.Equal(t, jobs.Success, queued[0].WaitSent(time.Second))
	require.Equal(t, jobs.Success, queued[1].WaitSent(time.Second))
	require.Equal(t, jobs.Fail, queued[2].WaitSent(time.Second))
	require.Equal(t, []uint32{1, 2}, after)
	require.Equal(t, jobs.ConnClosedByUser, e.Stop())

	require.Equal(t, uint32(1), nextPackage(t, packages).Header.Type)
	require.Equal(t, uint32(2), nextPackage(t, packages).Header.Type)
}

func TestEngineBeforeSendRejects(t *testing.T) {
	client, server := tcpPair(t)
	packages := readPackages(server)
	p, q := testParams(client, 8)

	p.Hooks.BeforeSend = func(_ *Engine, job *jobs.Job) error {
		if job.Package.Header.Type == 1 {
			return os.ErrPermission
		}
		return nil
	}

	e := New()
	require.NoError(t, e.Start(p))
	defer e.Stop()

	rejected, err := q.Enqueue(wire.New(1))
	require.NoError(t, err)
	accepted, err := q.Enqueue(wire.New(2))
	require.NoError(t, err)

	require.Equal(t, jobs.Fail, rejected.WaitSent(5*time.Second))
	require.Equal(t, jobs.Success, accepted.WaitSent(5*time.Second))
	require.Equal(t, uint32(2), nextPackage(t, packages).Header.Type)
	require.Equal(t, Started, e.State())
}

func TestEngineHeartbeat(t *testing.T) {
	client, server := tcpPair(t)
	packages := readPackages(server)
	p, _ := testParams(client, 1)
	p.PeerVersion = HeartbeatVersion
	p.HeartbeatInterval = 30 * time.Millisecond

	e := New()
	require.NoError(t, e.Start(p))
	defer e.Stop()

	hb := nextPackage(t, packages)
	require.Equal(t, wire.TypeHeartbeat, hb.Header.Type)
	require.Empty(t, hb.Buffers)
	require.NoError(t, hb.Verify())
	require.Equal(t, p.LocalID, hb.Header.SenderID)

	nextPackage(t, packages)
	require.Eventually(t, func() bool { return e.Stats().HeartbeatsSent >= 2 }, time.Second, 5*time.Millisecond)
	require.Zero(t, e.Stats().PackagesSent)
}

func TestEngineNoHeartbeatForOldPeers(t *testing.T) {
	client, server := tcpPair(t)
	packages := readPackages(server)
	p, _ := testParams(client, 1)
	p.PeerVersion = HeartbeatVersion - 1
	p.HeartbeatInterval = 10 * time.Millisecond

	e := New()
	require.NoError(t, e.Start(p))
	defer e.Stop()

	select {
	case pkg := <-packages:
		t.Fatalf("Unexpected package %v", pkg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	e := New()

	tests := []struct {
		err error
		r   jobs.Result
	}{
		{nil, jobs.Success},
		{os.ErrDeadlineExceeded, jobs.Timeout},
		{&net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, jobs.ConnClosedByPeer},
		{&net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.ECONNRESET)}, jobs.ConnClosedByPeer},
		{io.EOF, jobs.ConnClosedByPeer},
		{net.ErrClosed, jobs.ConnClosedByUser},
		{os.NewSyscallError("write", syscall.EFAULT), jobs.InvalidPackage},
		{errNoRecordLayer, jobs.InvalidPackage},
		{os.ErrPermission, jobs.Fail},
	}

	for _, test := range tests {
		require.Equal(t, test.r, e.classify(test.err), "error %v", test.err)
	}

	e.stopRequested = true
	require.Equal(t, jobs.ConnClosedByUser, e.classify(os.ErrDeadlineExceeded))
}

// stopAfterFirstWrite requests a stop of its Engine once the first write
// returned, so the stop lands between two writes of the same package.
type stopAfterFirstWrite struct {
	net.Conn

	e       *Engine
	once    sync.Once
	stopped chan jobs.Result
}

func (c *stopAfterFirstWrite) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.once.Do(func() {
		go func() { c.stopped <- c.e.Stop() }()
		for c.e.State() != Stopping {
			time.Sleep(time.Millisecond)
		}
	})
	return n, err
}

func TestEngineStopBetweenWrites(t *testing.T) {
	client, _ := tcpPair(t)

	e := New()
	conn := &stopAfterFirstWrite{Conn: client, e: e, stopped: make(chan jobs.Result, 1)}
	p, q := testParams(conn, 8)
	require.NoError(t, e.Start(p))

	// The peer never reads; the buffer cannot fit into the socket buffers.
	job, err := q.Enqueue(wire.New(7, wire.RawBuffer(make([]byte, 16<<20))))
	require.NoError(t, err)

	select {
	case r := <-conn.stopped:
		require.Equal(t, jobs.ConnClosedByUser, r)
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return; state=%v", e.State())
	}

	require.Equal(t, Stopped, e.State())
	require.Equal(t, jobs.Fail, job.WaitSent(time.Second))
}

// fillSendBuffer writes to conn until the socket's buffers are full. It
// returns the amount of bytes written.
func fillSendBuffer(t *testing.T, conn net.Conn) int64 {
	t.Helper()

	chunk := make([]byte, 64<<10)
	var filled int64
	for {
		require.NoError(t, conn.SetWriteDeadline(time.Now().Add(100*time.Millisecond)))
		n, err := conn.Write(chunk)
		filled += int64(n)
		if err != nil {
			require.ErrorIs(t, err, os.ErrDeadlineExceeded)
			break
		}
	}
	require.NoError(t, conn.SetWriteDeadline(time.Time{}))
	return filled
}

func TestEngineWriteTimeoutBeforeAnyByte(t *testing.T) {
	client, server := tcpPair(t)
	filled := fillSendBuffer(t, client)

	p, q := testParams(client, 8)
	e := New()
	require.NoError(t, e.Start(p))
	defer e.Stop()

	job, err := q.Enqueue(wire.New(7, wire.RawBuffer([]byte("too late"))), jobs.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, jobs.Timeout, job.WaitSent(5*time.Second))
	require.True(t, job.SendNotified())

	require.Equal(t, Started, e.State())
	require.Zero(t, e.Stats().BytesSent)

	_, err = io.CopyN(io.Discard, server, filled)
	require.NoError(t, err)

	pkg := wire.New(8, wire.RawBuffer([]byte("in time")))
	job, err = q.Enqueue(pkg)
	require.NoError(t, err)
	require.Equal(t, jobs.Success, job.WaitSent(5*time.Second))

	received := nextPackage(t, readPackages(server))
	require.Equal(t, pkg.Header.ID, received.Header.ID)
	require.Equal(t, []byte("in time"), received.Buffers[0].Bytes())

	require.Equal(t, jobs.ConnClosedByUser, e.Stop())
}

func TestEnginePartialWriteIsFatal(t *testing.T) {
	client, _ := tcpPair(t)
	p, q := testParams(client, 8)

	e := New()
	require.NoError(t, e.Start(p))

	// The head fits into the socket buffers, the payload does not.
	job, err := q.Enqueue(wire.New(7, wire.RawBuffer(make([]byte, 32<<20))), jobs.WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, jobs.Fail, job.WaitSent(5*time.Second))

	require.True(t, e.Wait(5*time.Second))
	require.Equal(t, jobs.Timeout, e.Stop())
}
