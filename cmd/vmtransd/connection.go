// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/engine"
	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/record"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// connection is one managed socket: its write engine and a minimal reader,
// which resolves responses and logs everything else.
type connection struct {
	id       uuid.UUID
	endpoint string
	conn     net.Conn

	engine *engine.Engine
	queue  *jobs.Queue
	tls    *record.MemoryEngine

	br         *bufio.Reader
	readerDone chan struct{}
	partial    []byte

	detachOnce sync.Once
	lookahead  []byte
}

// connectionInfo is the JSON representation of a connection.
type connectionInfo struct {
	Id        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	Remote    string `json:"remote"`
	State     string `json:"state"`
	Paused    bool   `json:"paused"`
	Detaching bool   `json:"detaching"`
	Secured   bool   `json:"secured"`
	Queued    int    `json:"queued"`

	BytesSent      uint64 `json:"bytes-sent"`
	PackagesSent   uint64 `json:"packages-sent"`
	HeartbeatsSent uint64 `json:"heartbeats-sent"`
}

func (c *connection) info() connectionInfo {
	paused, detaching := c.engine.Paused()
	stats := c.engine.Stats()

	return connectionInfo{
		Id:             c.id.String(),
		Endpoint:       c.endpoint,
		Remote:         c.conn.RemoteAddr().String(),
		State:          c.engine.State().String(),
		Paused:         paused,
		Detaching:      detaching,
		Secured:        c.tls != nil,
		Queued:         c.queue.Queued(),
		BytesSent:      stats.BytesSent,
		PackagesSent:   stats.PackagesSent,
		HeartbeatsSent: stats.HeartbeatsSent,
	}
}

func (c *connection) log() *log.Entry {
	return log.WithFields(log.Fields{
		"connection": c.id,
		"endpoint":   c.endpoint,
	})
}

// startReader starts reading from the connection. Bytes already read by a
// previous process are consumed first. If reading fails for other reasons than
// a detach, the engine is stopped.
func (c *connection) startReader(lookahead []byte) {
	var src io.Reader = c.conn
	if len(lookahead) > 0 {
		src = io.MultiReader(bytes.NewReader(lookahead), c.conn)
	}
	c.br = bufio.NewReader(src)
	c.readerDone = make(chan struct{})

	go func() {
		defer close(c.readerDone)

		var err error
		if c.tls == nil {
			c.partial, err = c.readPackages(c.br)
		} else {
			err = c.readRecords()
		}

		if errors.Is(err, errDetached) {
			return
		}
		c.log().WithError(err).Debug("Reader stopped")

		// Nothing arrives anymore, so the write side goes down as well.
		c.engine.Stop()
	}()
}

var errDetached = errors.New("reader detached")

func (c *connection) isDetached(err error) bool {
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		return false
	}
	_, detaching := c.engine.Paused()
	return detaching
}

// partialReader records the bytes of the package currently being decoded.
type partialReader struct {
	r       io.Reader
	partial []byte
}

func (pr *partialReader) Read(p []byte) (n int, err error) {
	n, err = pr.r.Read(p)
	pr.partial = append(pr.partial, p[:n]...)
	return
}

// readPackages decodes packages until an error occurs. The bytes of a package
// interrupted by a detach are returned.
func (c *connection) readPackages(r io.Reader) ([]byte, error) {
	pr := &partialReader{r: r}
	for {
		pkg, err := wire.Decode(pr)
		if err != nil {
			if c.isDetached(err) {
				return pr.partial, errDetached
			}
			return nil, err
		}
		pr.partial = pr.partial[:0]
		c.received(pkg)
	}
}

// readRecords splits the byte stream into plaintext pseudo records, which are
// decoded as packages, and TLS records fed to the TLS engine.
func (c *connection) readRecords() error {
	plainR, plainW := io.Pipe()
	defer plainW.Close()

	go func() { _, _ = c.readPackages(plainR) }()
	go func() { _, _ = c.readPackages(c.tls) }()

	for {
		head, err := c.br.Peek(record.PseudoRecordHeaderSize)
		if err != nil {
			if c.isDetached(err) {
				return errDetached
			}
			return err
		}

		if head[0] == record.PseudoRecordType {
			payload, err := record.ReadPseudoRecord(c.br)
			if err != nil {
				return err
			}
			if _, err := plainW.Write(payload); err != nil {
				return err
			}
			continue
		}

		size := int(head[3])<<8 | int(head[4])
		rec := make([]byte, record.PseudoRecordHeaderSize+size)
		if _, err := io.ReadFull(c.br, rec); err != nil {
			return err
		}
		c.tls.Feed(rec)
	}
}

func (c *connection) received(pkg *wire.Package) {
	logger := c.log().WithField("package", pkg)

	switch {
	case pkg.Header.ParentID != uuid.Nil && c.queue.Complete(pkg.Header.ParentID, pkg):
		logger.Debug("Received response")
	case wire.IsReservedType(pkg.Header.Type):
		logger.Debug("Received control package")
	default:
		logger.Info("Received package")
	}
}

// detach stops the reader for a handoff and keeps everything it read but did
// not yet consume. The engine must be detaching.
func (c *connection) detach(timeout time.Duration) []byte {
	c.detachOnce.Do(func() {
		_ = c.conn.SetReadDeadline(time.Now())

		select {
		case <-c.readerDone:
		case <-time.After(timeout):
			c.log().Warn("Reader did not stop in time")
			return
		}

		c.lookahead = append([]byte(nil), c.partial...)
		if n := c.br.Buffered(); n > 0 {
			buffered, _ := c.br.Peek(n)
			c.lookahead = append(c.lookahead, buffered...)
		}
	})
	return c.lookahead
}

// send a package on this connection.
func (c *connection) send(pkg *wire.Package, timeout time.Duration) (*jobs.Job, error) {
	return c.engine.Send(pkg, jobs.WithTimeout(timeout))
}

// close stops the engine, which owns and closes the socket.
func (c *connection) close() jobs.Result {
	r := c.engine.Stop()
	if c.tls != nil {
		_ = c.tls.Close()
	}
	return r
}
