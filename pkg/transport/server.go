// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler is called in its own goroutine for each accepted connection. It owns
// the connection.
type Handler func(net.Conn)

// Server accepts connections on an Endpoint and passes them to a Handler.
type Server struct {
	endpoint Endpoint
	handler  Handler

	ln       net.Listener
	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

// NewServer creates a new Server for the given Endpoint.
func NewServer(endpoint Endpoint, handler Handler) *Server {
	return &Server{
		endpoint: endpoint,
		handler:  handler,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
}

// Start listening and accepting in a background goroutine.
func (serv *Server) Start() error {
	ln, err := serv.endpoint.Listen()
	if err != nil {
		return err
	}
	serv.ln = ln

	go serv.accept()
	return nil
}

// Addr is the listener's address; only valid after Start.
func (serv *Server) Addr() net.Addr {
	return serv.ln.Addr()
}

func (serv *Server) accept() {
	defer close(serv.stopAck)

	for {
		conn, err := serv.ln.Accept()
		if err != nil {
			select {
			case <-serv.stopSyn:
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			log.WithFields(log.Fields{
				"server": serv,
				"error":  err,
			}).Warn("Server failed to accept, stopping")
			return
		}

		log.WithFields(log.Fields{
			"server": serv,
			"remote": conn.RemoteAddr(),
		}).Debug("Server accepted connection")

		go serv.handler(conn)
	}
}

// Close the listener and wait for the accepting goroutine. Already accepted
// connections are left to their Handler.
func (serv *Server) Close() (err error) {
	serv.stopOnce.Do(func() {
		close(serv.stopSyn)
		if serv.ln != nil {
			err = serv.ln.Close()
			<-serv.stopAck
		}
	})
	return
}

func (serv *Server) String() string {
	return serv.endpoint.String()
}
