// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/engine"
	"github.com/vmfabric/vmtrans/pkg/handoff"
	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/record"
	"github.com/vmfabric/vmtrans/pkg/transport"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

var errClosing = errors.New("daemon is closing")

// daemon manages a write engine for each connection of its listeners and
// peers.
type daemon struct {
	settings settings
	sequence wire.Sequence

	mu          sync.Mutex
	connections map[uuid.UUID]*connection
	closing     bool

	servers    []*transport.Server
	httpServer *http.Server
	control    net.Listener
	spool      *handoff.Spool

	// handedOver is closed after all connections were handed to a successor.
	handedOver chan struct{}
	closeOnce  sync.Once
}

func newDaemon(s settings) *daemon {
	return &daemon{
		settings:    s,
		connections: make(map[uuid.UUID]*connection),
		handedOver:  make(chan struct{}),
	}
}

// start the daemon. A successor first takes over its predecessor's
// connections, as the listeners are only free afterwards.
func (d *daemon) start(takeover bool) error {
	if d.settings.spool != "" {
		spool, err := handoff.OpenSpool(d.settings.spool)
		if err != nil {
			return err
		}
		d.spool = spool

		if n := d.spool.DeleteExpired(); n > 0 {
			log.WithField("blobs", n).Warn("Dropped expired connections from the spool")
		}
	}

	if takeover {
		if err := d.takeover(); err != nil {
			return err
		}
	}

	if d.settings.metricsListen != "" {
		d.httpServer = &http.Server{
			Addr:    d.settings.metricsListen,
			Handler: d.router(),
		}
		go func() {
			if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("HTTP server errored")
			}
		}()
	}

	if d.settings.control != "" {
		if err := d.startControl(); err != nil {
			return err
		}
	}

	for _, ep := range d.settings.listen {
		endpoint := ep.String()
		srv := transport.NewServer(ep, func(conn net.Conn) {
			if _, err := d.adopt(conn, endpoint, nil); err != nil {
				log.WithFields(log.Fields{
					"endpoint": endpoint,
					"error":    err,
				}).Warn("Failed to start connection")
			}
		})
		if err := srv.Start(); err != nil {
			return err
		}
		d.servers = append(d.servers, srv)

		log.WithField("endpoint", endpoint).Info("Listening")
	}

	for _, ep := range d.settings.peers {
		conn, err := ep.Dial()
		if err != nil {
			log.WithFields(log.Fields{
				"peer":  ep,
				"error": err,
			}).Warn("Failed to establish a connection to a peer")
			continue
		}

		if _, err := d.adopt(conn, ep.String(), nil); err != nil {
			log.WithFields(log.Fields{
				"peer":  ep,
				"error": err,
			}).Warn("Failed to start connection to a peer")
		}
	}

	return nil
}

// adopt a connection and start its engine. An Attachment continues an
// imported connection.
func (d *daemon) adopt(conn net.Conn, endpoint string, att *handoff.Attachment) (*connection, error) {
	waker := engine.NewWaker()
	q := jobs.NewQueue(d.settings.queueCapacity, waker)

	var p engine.Params
	if att != nil {
		p = att.Params(q, waker)
	} else {
		p = engine.Params{
			Conn:        conn,
			LocalID:     d.settings.nodeId,
			PeerID:      uuid.New(),
			PeerVersion: d.settings.peerVersion,
			Router:      d.settings.routes.Clone(),
			Queue:       q,
			Waker:       waker,
			OwnsConn:    true,
		}
	}
	p.HeartbeatInterval = d.settings.heartbeatInterval
	p.Sequence = &d.sequence

	c := &connection{
		id:       p.PeerID,
		endpoint: endpoint,
		conn:     conn,
		engine:   engine.New(),
		queue:    q,
	}

	if d.settings.tlsConfig != nil && att == nil {
		c.tls = record.NewServerEngine(d.settings.tlsConfig)
		p.Record = record.NewAdapter(c.tls, nil)
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		_ = conn.Close()
		return nil, errClosing
	}
	d.connections[c.id] = c
	d.mu.Unlock()

	if err := c.engine.Start(p); err != nil {
		d.remove(c.id)
		_ = conn.Close()
		return nil, err
	}

	var lookahead []byte
	if att != nil {
		lookahead = att.Lookahead
	}
	c.startReader(lookahead)

	go d.watch(c)

	c.log().WithField("remote", conn.RemoteAddr()).Info("Started connection")
	return c, nil
}

// watch a connection's engine until it stops.
func (d *daemon) watch(c *connection) {
	for st := range c.engine.Channel() {
		if st.MessageType != engine.EngineStopped {
			continue
		}

		info, _ := st.Message.(engine.StopInfo)
		logger := c.log().WithField("reason", info.Reason)
		if info.Uncommanded {
			logger.Warn("Connection failed")
		} else {
			logger.Info("Connection closed")
		}

		if c.tls != nil {
			_ = c.tls.Close()
		}
		d.remove(c.id)
		return
	}
}

func (d *daemon) remove(id uuid.UUID) {
	d.mu.Lock()
	delete(d.connections, id)
	d.mu.Unlock()
}

func (d *daemon) connection(id uuid.UUID) (c *connection, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok = d.connections[id]
	return
}

// list all connections, ordered by their ID.
func (d *daemon) list() []*connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	conns := make([]*connection, 0, len(d.connections))
	for _, c := range d.connections {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].id.String() < conns[j].id.String()
	})
	return conns
}

// stopAccepting closes all listeners and refuses new connections.
func (d *daemon) stopAccepting() error {
	d.mu.Lock()
	d.closing = true
	servers := d.servers
	d.servers = nil
	d.mu.Unlock()

	var err error
	for _, srv := range servers {
		if srvErr := srv.Close(); srvErr != nil {
			err = multierror.Append(err, srvErr)
		}
	}
	return err
}

// wait blocks until a SIGINT or SIGTERM appears or all connections were
// handed over.
func (d *daemon) wait() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalSyn)

	select {
	case sig := <-signalSyn:
		log.WithField("signal", sig).Info("Received signal")
	case <-d.handedOver:
		log.Info("All connections were handed over")
	}
}

// close the daemon and all its remaining connections.
func (d *daemon) close() (err error) {
	d.closeOnce.Do(func() {
		if stopErr := d.stopAccepting(); stopErr != nil {
			err = multierror.Append(err, stopErr)
		}

		if d.control != nil {
			_ = d.control.Close()
		}

		for _, c := range d.list() {
			c.log().WithField("reason", c.close()).Debug("Closed connection")
			d.remove(c.id)
		}

		closeErrFuncs := []func() error{}
		if d.httpServer != nil {
			closeErrFuncs = append(closeErrFuncs, func() error {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				return d.httpServer.Shutdown(ctx)
			})
		}
		if d.spool != nil {
			closeErrFuncs = append(closeErrFuncs, d.spool.Close)
		}

		for _, f := range closeErrFuncs {
			if closeErr := f(); closeErr != nil {
				log.WithError(closeErr).Debug("Closing daemon resource errored")
				err = multierror.Append(err, closeErr)
			}
		}
	})
	return
}
