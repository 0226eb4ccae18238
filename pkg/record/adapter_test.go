// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeEngine "encrypts" by copying and reports WantWrite once limit bytes are
// pending.
type fakeEngine struct {
	guarantee int
	limit     int
	wantRead  bool

	out     []byte
	chunks  []int
	reason  BlockReason
	session []byte
}

func (fe *fakeEngine) WriteGuarantee() int { return fe.guarantee }

func (fe *fakeEngine) WriteApp(p []byte) (int, error) {
	if fe.wantRead {
		fe.reason = WantRead
		return 0, ErrWouldBlock
	}
	if len(fe.out) >= fe.limit {
		fe.reason = WantWrite
		return 0, ErrWouldBlock
	}

	fe.chunks = append(fe.chunks, len(p))
	fe.out = append(fe.out, p...)
	fe.reason = BlockNone
	return len(p), nil
}

func (fe *fakeEngine) BlockReason() BlockReason  { return fe.reason }
func (fe *fakeEngine) Pending() []byte           { return fe.out }
func (fe *fakeEngine) Consume(n int)             { fe.out = fe.out[n:] }
func (fe *fakeEngine) HandshakeInProgress() bool { return false }
func (fe *fakeEngine) Session() ([]byte, error)  { return fe.session, nil }

// recordingConn collects writes, at most maxWrite bytes per call, and fails
// after failAfter bytes if set.
type recordingConn struct {
	net.Conn

	buf       bytes.Buffer
	maxWrite  int
	failAfter int
	deadlines int
}

func (rc *recordingConn) Write(p []byte) (int, error) {
	if rc.maxWrite > 0 && len(p) > rc.maxWrite {
		p = p[:rc.maxWrite]
	}
	if rc.failAfter > 0 && rc.buf.Len()+len(p) > rc.failAfter {
		n := rc.failAfter - rc.buf.Len()
		rc.buf.Write(p[:n])
		return n, errors.New("broken pipe")
	}
	return rc.buf.Write(p)
}

func (rc *recordingConn) SetWriteDeadline(_ time.Time) error {
	rc.deadlines++
	return nil
}

func TestAdapterWriteChunks(t *testing.T) {
	eng := &fakeEngine{guarantee: 1000, limit: 1000}
	conn := &recordingConn{maxWrite: 300}
	a := NewAdapter(eng, nil)

	data := bytes.Repeat([]byte("0123456789"), 420)

	n, err := a.Write(conn, data, time.Second)
	if err != nil {
		t.Fatal(err)
	} else if n != len(data) {
		t.Fatalf("Adapter accepted %d of %d bytes", n, len(data))
	}

	if !bytes.Equal(conn.buf.Bytes(), data) {
		t.Fatalf("Socket received other data")
	}
	for _, chunk := range eng.chunks {
		if chunk > eng.guarantee {
			t.Fatalf("Chunk of %d bytes exceeds write guarantee", chunk)
		}
	}
	if a.HasPending() {
		t.Fatalf("Ciphertext left pending")
	}
	if conn.deadlines == 0 {
		t.Fatalf("No write deadline was set")
	}
}

func TestAdapterWantWriteIsBenign(t *testing.T) {
	eng := &fakeEngine{guarantee: 64, limit: 64}
	eng.out = bytes.Repeat([]byte{0xAA}, 64)
	conn := &recordingConn{}
	a := NewAdapter(eng, nil)

	if _, err := a.Write(conn, []byte("payload"), 0); err != nil {
		t.Fatalf("WantWrite was not resolved by flushing: %v", err)
	}

	expected := append(bytes.Repeat([]byte{0xAA}, 64), []byte("payload")...)
	if !bytes.Equal(conn.buf.Bytes(), expected) {
		t.Fatalf("Unexpected socket data %x", conn.buf.Bytes())
	}
}

func TestAdapterOtherBlockIsFatal(t *testing.T) {
	eng := &fakeEngine{guarantee: 64, limit: 64, wantRead: true}
	a := NewAdapter(eng, nil)

	_, err := a.Write(&recordingConn{}, []byte("payload"), 0)
	if !errors.Is(err, ErrRecordEngine) {
		t.Fatalf("Expected ErrRecordEngine, got %v", err)
	}
}

func TestAdapterFlushError(t *testing.T) {
	eng := &fakeEngine{guarantee: 64, limit: 64}
	eng.out = []byte("0123456789")
	conn := &recordingConn{failAfter: 4}
	a := NewAdapter(eng, nil)

	n, err := a.Flush(conn, 0)
	if err == nil {
		t.Fatalf("Flush ignored a socket error")
	}
	if n != 4 {
		t.Fatalf("Flush reported %d bytes, expected 4", n)
	}
	if !bytes.Equal(eng.Pending(), []byte("456789")) {
		t.Fatalf("Unwritten ciphertext was consumed: %q", eng.Pending())
	}
}
