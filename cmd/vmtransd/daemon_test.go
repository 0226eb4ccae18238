// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/transport"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

func testSettings() settings {
	return settings{
		nodeId:            uuid.New(),
		queueCapacity:     8,
		peerVersion:       1,
		heartbeatInterval: time.Minute,
		routes:            route.NewTable(route.Plaintext),
		spoolTTL:          time.Minute,
		pauseTimeout:      5 * time.Second,
		listen:            []transport.Endpoint{{Network: transport.TCP, Address: "127.0.0.1:0"}},
	}
}

func readPackages(conn net.Conn) <-chan *wire.Package {
	ch := make(chan *wire.Package, 16)
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

// dialDaemon connects a peer to the daemon's first listener and waits for the
// daemon to run its connection.
func dialDaemon(t *testing.T, d *daemon) (net.Conn, *connection) {
	t.Helper()

	peer, err := net.Dial("tcp", d.servers[0].Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	require.Eventually(t, func() bool { return len(d.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	return peer, d.list()[0]
}

func request(t *testing.T, method, url, body string) (int, resultResponse) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result resultResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp.StatusCode, result
}

func TestDaemonHTTP(t *testing.T) {
	d := newDaemon(testSettings())
	require.NoError(t, d.start(false))
	defer d.close()

	peer, c := dialDaemon(t, d)
	packages := readPackages(peer)

	srv := httptest.NewServer(d.router())
	defer srv.Close()
	base := srv.URL + "/connections/" + c.id.String()

	resp, err := http.Get(srv.URL + "/connections")
	require.NoError(t, err)
	var infos []connectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	_ = resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, c.id.String(), infos[0].Id)
	assert.Equal(t, "Started", infos[0].State)
	assert.False(t, infos[0].Secured)

	status, result := request(t, http.MethodPost, base+"/send?type=7", "hello")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Success", result.Result)

	pkg := nextPackage(t, packages)
	assert.Equal(t, uint32(7), pkg.Header.Type)
	assert.Equal(t, []byte("hello"), pkg.Buffers[0].Bytes())
	assert.Equal(t, d.settings.nodeId, pkg.Header.SenderID)

	status, _ = request(t, http.MethodPost, base+"/send?type=4294901761", "")
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = request(t, http.MethodPost, base+"/send", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = request(t, http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, wire.TypePause, nextPackage(t, packages).Header.Type)
	status, _ = request(t, http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusConflict, status)
	status, _ = request(t, http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusOK, status)

	status, _ = request(t, http.MethodGet, srv.URL+"/connections/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, status)
	status, _ = request(t, http.MethodGet, srv.URL+"/connections/nope", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, result = request(t, http.MethodDelete, base, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ConnClosedByUser", result.Result)
	require.Empty(t, d.list())

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemonResponse(t *testing.T) {
	d := newDaemon(testSettings())
	require.NoError(t, d.start(false))
	defer d.close()

	peer, c := dialDaemon(t, d)
	packages := readPackages(peer)

	req := wire.New(7, wire.RawBuffer([]byte("ping")))
	job, err := c.queue.Enqueue(req, jobs.WithResponse())
	require.NoError(t, err)

	sent := nextPackage(t, packages)
	resp := wire.NewResponse(sent, 7, true, wire.RawBuffer([]byte("pong")))
	resp.Seal()
	_, err = resp.WriteTo(peer)
	require.NoError(t, err)

	result, got := job.WaitResponse(5 * time.Second)
	require.Equal(t, jobs.Success, result)
	require.Equal(t, []byte("pong"), got.Buffers[0].Bytes())
}

func TestDaemonPeerClose(t *testing.T) {
	d := newDaemon(testSettings())
	require.NoError(t, d.start(false))
	defer d.close()

	peer, c := dialDaemon(t, d)
	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool { return len(d.list()) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "Stopped", c.engine.State().String())
}
