// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package handoff

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dtn7/cboring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmfabric/vmtrans/pkg/engine"
	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// pipeStrategy adopts one end of an in-memory pipe.
type pipeStrategy struct {
	adopted atomic.Int32
	peer    net.Conn
}

func (ps *pipeStrategy) Represent(_ net.Conn) ([]byte, *os.File, error) {
	repr, err := socketRepr{Network: "pipe"}.bytes()
	return repr, nil, err
}

func (ps *pipeStrategy) Adopt(repr []byte, proof *os.File) (net.Conn, error) {
	if proof != nil {
		_ = proof.Close()
	}
	if _, err := parseSocketRepr(repr); err != nil {
		return nil, err
	}

	ps.adopted.Add(1)
	conn, peer := net.Pipe()
	ps.peer = peer
	return conn, nil
}

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

func startEngine(t *testing.T, conn net.Conn, router route.Router) (*engine.Engine, *jobs.Queue) {
	t.Helper()

	waker := engine.NewWaker()
	q := jobs.NewQueue(8, waker)

	e := engine.New()
	require.NoError(t, e.Start(engine.Params{
		Conn:        conn,
		LocalID:     uuid.New(),
		PeerID:      uuid.New(),
		PeerVersion: 1,
		Router:      router,
		Queue:       q,
		Waker:       waker,
	}))
	t.Cleanup(func() { e.Stop() })
	return e, q
}

func encodeRoutes(t *testing.T, table *route.Table) []byte {
	buf := new(bytes.Buffer)
	require.NoError(t, cboring.Marshal(table, buf))
	return buf.Bytes()
}

func validBlob(t *testing.T) *Blob {
	pending := wire.New(7, wire.RawBuffer([]byte("pending")))
	pending.Seal()

	repr, err := socketRepr{Network: "pipe"}.bytes()
	require.NoError(t, err)

	return &Blob{
		Header: Header{
			PeerVersion: 3,
			LocalID:     uuid.New(),
			PeerID:      uuid.New(),
			Handshake:   []byte("hello"),
			Socket:      repr,
		},
		Routes:    encodeRoutes(t, route.NewTable(route.Plaintext).Set(8, route.Secured)),
		Pending:   wire.Encode(pending),
		Lookahead: []byte{0xCA, 0xFE},
	}
}

func TestBlobPackage(t *testing.T) {
	blob := validBlob(t)
	pkg, err := blob.Package()
	require.NoError(t, err)

	require.Equal(t, wire.TypeHandoff, pkg.Header.Type)
	require.Len(t, pkg.Buffers, blobBuffers)
	require.NoError(t, pkg.Verify())

	decoded, err := wire.Decode(bytes.NewReader(wire.Encode(pkg)))
	require.NoError(t, err)

	parsed, err := ParseBlob(decoded)
	require.NoError(t, err)
	assert.Equal(t, blob.Header, parsed.Header)
	assert.Equal(t, blob.Routes, parsed.Routes)
	assert.Equal(t, blob.Pending, parsed.Pending)
	assert.Equal(t, blob.Lookahead, parsed.Lookahead)
	assert.Empty(t, parsed.Session)
}

func TestImportAttachOnce(t *testing.T) {
	pkg, err := validBlob(t).Package()
	require.NoError(t, err)

	ps := &pipeStrategy{}
	imp, err := Import(pkg, nil, ps, ImportOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, ps.adopted.Load())

	var wg sync.WaitGroup
	var attached atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if att, err := imp.Attach(); err == nil {
				attached.Add(1)
				assert.NotNil(t, att.Conn)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyAttached)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, attached.Load())
	require.ErrorIs(t, imp.Discard(), ErrAlreadyAttached)
}

func TestImportContents(t *testing.T) {
	blob := validBlob(t)
	pkg, err := blob.Package()
	require.NoError(t, err)

	imp, err := Import(pkg, nil, &pipeStrategy{}, ImportOptions{})
	require.NoError(t, err)

	att, err := imp.Attach()
	require.NoError(t, err)
	defer att.Conn.Close()

	assert.Equal(t, blob.Header.LocalID, att.LocalID)
	assert.Equal(t, blob.Header.PeerID, att.PeerID)
	assert.Equal(t, uint32(3), att.PeerVersion)
	assert.Equal(t, []byte("hello"), att.Handshake)
	assert.Equal(t, []byte{0xCA, 0xFE}, att.Lookahead)
	assert.Equal(t, route.Secured, att.Router.RouteFor(8))
	assert.Equal(t, route.Plaintext, att.Router.RouteFor(7))
	assert.Nil(t, att.Session)

	require.NotNil(t, att.Pending)
	assert.Equal(t, uint32(7), att.Pending.Header.Type)
	assert.Equal(t, []byte("pending"), att.Pending.Buffers[0].Bytes())

	p := att.Params(nil, nil)
	assert.True(t, p.OwnsConn)
	assert.Equal(t, att.Conn, p.Conn)
}

func TestImportFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*testing.T, *wire.Package)
		err    error
	}{
		{"wrong type", func(_ *testing.T, p *wire.Package) {
			p.Header.Type = 7
			p.Seal()
		}, ErrMalformedBlob},
		{"missing buffer", func(_ *testing.T, p *wire.Package) {
			p.Buffers = p.Buffers[:blobBuffers-1]
			p.Seal()
		}, ErrMalformedBlob},
		{"extra buffer", func(_ *testing.T, p *wire.Package) {
			p.AddBuffer(wire.RawBuffer(nil))
			p.Seal()
		}, ErrMalformedBlob},
		{"checksum", func(_ *testing.T, p *wire.Package) {
			p.Header.NumericID++
		}, ErrMalformedBlob},
		{"magic", func(t *testing.T, p *wire.Package) {
			blob, err := ParseBlob(p)
			require.NoError(t, err)
			blob.Header.Magic = 0
			buf := new(bytes.Buffer)
			require.NoError(t, cboring.Marshal(&blob.Header, buf))
			p.Buffers[bufHeader] = wire.RawBuffer(buf.Bytes())
		}, ErrMalformedBlob},
		{"size mismatch", func(_ *testing.T, p *wire.Package) {
			p.Buffers[bufLookahead] = wire.RawBuffer([]byte{1, 2, 3})
		}, ErrMalformedBlob},
		{"garbage header", func(_ *testing.T, p *wire.Package) {
			p.Buffers[bufHeader] = wire.RawBuffer([]byte{0xFF, 0x00})
		}, ErrMalformedBlob},
		{"no routes", func(t *testing.T, p *wire.Package) {
			replaceBuffer(t, p, bufRoutes, nil)
		}, ErrNoRoutes},
		{"garbage routes", func(t *testing.T, p *wire.Package) {
			replaceBuffer(t, p, bufRoutes, []byte{0x82, 0x07})
		}, ErrMalformedBlob},
		{"invalid session", func(t *testing.T, p *wire.Package) {
			replaceBuffer(t, p, bufSession, []byte("not a session"))
		}, ErrInvalidSession},
		{"truncated pending", func(t *testing.T, p *wire.Package) {
			b := p.Buffers[bufPending].Bytes()
			replaceBuffer(t, p, bufPending, b[:len(b)-1])
		}, ErrMalformedBlob},
		{"bad socket", func(t *testing.T, p *wire.Package) {
			blob, err := ParseBlob(p)
			require.NoError(t, err)
			blob.Header.Socket = []byte{0x01}
			np, err := blob.Package()
			require.NoError(t, err)
			*p = *np
		}, ErrMalformedBlob},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pkg, err := validBlob(t).Package()
			require.NoError(t, err)
			test.mutate(t, pkg)

			proof, w, err := os.Pipe()
			require.NoError(t, err)
			defer w.Close()

			ps := &pipeStrategy{}
			imp, err := Import(pkg, proof, ps, ImportOptions{})
			require.ErrorIs(t, err, test.err)
			require.Nil(t, imp)
			require.Zero(t, ps.adopted.Load())
			require.ErrorIs(t, proof.Close(), os.ErrClosed)
		})
	}
}

// replaceBuffer exchanges a Blob buffer and fixes the header's sizes.
func replaceBuffer(t *testing.T, p *wire.Package, idx int, data []byte) {
	blob, err := ParseBlob(p)
	require.NoError(t, err)

	switch idx {
	case bufRoutes:
		blob.Routes = data
	case bufSession:
		blob.Session = data
	case bufPending:
		blob.Pending = data
	}

	np, err := blob.Package()
	require.NoError(t, err)
	*p = *np
}

func TestImportNoStrategy(t *testing.T) {
	pkg, err := validBlob(t).Package()
	require.NoError(t, err)

	_, err = Import(pkg, nil, nil, ImportOptions{})
	require.ErrorIs(t, err, ErrNoStrategy)
}

func TestExportRequiresPause(t *testing.T) {
	client, _ := tcpPair(t)
	e, _ := startEngine(t, client, route.NewTable(route.Plaintext))

	_, _, err := Export(e, ExportOptions{Strategy: &pipeStrategy{}})
	require.ErrorIs(t, err, engine.ErrNotPaused)

	_, _, err = Export(e, ExportOptions{})
	require.ErrorIs(t, err, ErrNoStrategy)
}

type funcRouter func(uint32) route.Route

func (fr funcRouter) RouteFor(typ uint32) route.Route { return fr(typ) }

func TestExportRouterNotSerializable(t *testing.T) {
	client, server := tcpPair(t)
	go func() { _, _ = io.Copy(io.Discard, server) }()

	e, _ := startEngine(t, client, funcRouter(func(uint32) route.Route { return route.Plaintext }))
	require.NoError(t, e.PauseAndSend(wire.New(wire.TypePause), true, 5*time.Second))

	_, proof, err := Export(e, ExportOptions{Strategy: &pipeStrategy{}})
	require.ErrorIs(t, err, ErrRouterNotSerializable)
	require.Nil(t, proof)
}

func TestExportImport(t *testing.T) {
	client, server := tcpPair(t)
	go func() { _, _ = io.Copy(io.Discard, server) }()

	e, _ := startEngine(t, client, route.NewTable(route.Plaintext).Set(9, route.Secured))
	require.NoError(t, e.PauseAndSend(wire.New(wire.TypePause), true, 5*time.Second))

	_, err := e.Send(wire.New(7, wire.RawBuffer([]byte{1, 2, 3})))
	require.NoError(t, err)

	ps := &pipeStrategy{}
	pkg, proof, err := Export(e, ExportOptions{
		Strategy:  ps,
		Handshake: []byte("hs"),
		Lookahead: []byte{4, 5},
	})
	require.NoError(t, err)
	require.Nil(t, proof)

	imp, err := Import(pkg, nil, ps, ImportOptions{})
	require.NoError(t, err)

	att, err := imp.Attach()
	require.NoError(t, err)
	defer att.Conn.Close()

	assert.Equal(t, uint32(1), att.PeerVersion)
	assert.Equal(t, []byte("hs"), att.Handshake)
	assert.Equal(t, []byte{4, 5}, att.Lookahead)
	assert.Equal(t, route.Secured, att.Router.RouteFor(9))
	require.NotNil(t, att.Pending)
	assert.Equal(t, []byte{1, 2, 3}, att.Pending.Buffers[0].Bytes())
}

func TestSpool(t *testing.T) {
	spool, err := OpenSpool(t.TempDir())
	require.NoError(t, err)
	defer spool.Close()

	first, err := validBlob(t).Package()
	require.NoError(t, err)
	second, err := validBlob(t).Package()
	require.NoError(t, err)
	other, err := validBlob(t).Package()
	require.NoError(t, err)

	require.NoError(t, spool.Put("target", first, 0))
	require.NoError(t, spool.Put("target", second, 0))
	require.NoError(t, spool.Put("other", other, time.Nanosecond))

	ids, err := spool.Pending("target")
	require.NoError(t, err)
	require.Equal(t, []string{first.Header.ID.String(), second.Header.ID.String()}, ids)

	pkg, err := spool.Take(ids[0])
	require.NoError(t, err)
	require.Equal(t, wire.Encode(first), wire.Encode(pkg))

	_, err = spool.Take(ids[0])
	require.Error(t, err)

	time.Sleep(time.Millisecond)
	require.Equal(t, 1, spool.DeleteExpired())

	ids, err = spool.Pending("other")
	require.NoError(t, err)
	require.Empty(t, ids)
}
