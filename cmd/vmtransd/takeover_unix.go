// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/handoff"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// A successor daemon connects to its predecessor's control socket. The
// predecessor stops accepting, pauses and exports every connection and
// passes it together with its socket's descriptor. Closing the control
// connection ends the handover.

// startControl listens for a successor on the control socket.
func (d *daemon) startControl() error {
	ln, err := net.Listen("unix", d.settings.control)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	d.control = ln

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Debug("Control socket stopped accepting")
			return
		}
		d.handOver(conn.(*net.UnixConn))
	}()

	log.WithField("control", d.settings.control).Info("Waiting for a successor")
	return nil
}

// handOver all connections to the successor on uc.
func (d *daemon) handOver(uc *net.UnixConn) {
	defer close(d.handedOver)
	defer uc.Close()

	log.Info("Successor connected, handing over connections")

	// Free the listeners' addresses and the control socket for the successor.
	if err := d.stopAccepting(); err != nil {
		log.WithError(err).Warn("Failed to close listeners")
	}
	_ = d.control.Close()

	for _, c := range d.list() {
		if err := d.handOverConnection(uc, c); err != nil {
			c.log().WithError(err).Warn("Failed to hand over connection, closing it")
		}
		c.close()
		d.remove(c.id)
	}
}

func (d *daemon) handOverConnection(uc *net.UnixConn, c *connection) error {
	if err := c.engine.PauseAndSend(wire.New(wire.TypePause), true, d.settings.pauseTimeout); err != nil {
		return err
	}

	pkg, proof, err := handoff.Export(c.engine, handoff.ExportOptions{
		Strategy:  handoff.DescriptorPassing{},
		Lookahead: c.detach(d.settings.pauseTimeout),
	})
	if err != nil {
		return err
	}
	defer proof.Close()

	if err := (handoff.DescriptorPassing{}).Send(uc, pkg, proof); err != nil {
		return err
	}

	c.log().WithField("blob", pkg.Header.ID).Info("Handed over connection")
	return nil
}

// takeover connects to the predecessor's control socket and imports all
// connections passed over it.
func (d *daemon) takeover() error {
	if d.settings.control == "" {
		return errors.New("takeover requires handoff.control")
	}

	conn, err := net.Dial("unix", d.settings.control)
	if err != nil {
		return fmt.Errorf("connecting to predecessor: %w", err)
	}
	uc := conn.(*net.UnixConn)
	defer uc.Close()

	imported := 0
	for {
		pkg, proof, err := handoff.DescriptorPassing{}.Receive(uc, wire.DefaultLimits)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		if d.importConnection(pkg, proof) {
			imported++
		}
	}

	log.WithField("connections", imported).Info("Took over connections")
	return nil
}

// importConnection parks the blob in the spool until its connection runs. A
// blob failing to import stays spooled until it expires.
func (d *daemon) importConnection(pkg *wire.Package, proof *os.File) bool {
	id := pkg.EnsureID().String()
	logger := log.WithField("blob", id)

	if d.spool != nil {
		if err := d.spool.Put(d.settings.nodeId.String(), pkg, d.settings.spoolTTL); err != nil {
			logger.WithError(err).Warn("Failed to spool blob")
		}
	}

	imp, err := handoff.Import(pkg, proof, handoff.DescriptorPassing{}, handoff.ImportOptions{})
	if err != nil {
		logger.WithError(err).Warn("Failed to import connection")
		return false
	}

	att, err := imp.Attach()
	if err != nil {
		logger.WithError(err).Warn("Failed to attach connection")
		return false
	}

	c, err := d.adopt(att.Conn, "takeover", att)
	if err != nil {
		logger.WithError(err).Warn("Failed to start imported connection")
		return false
	}

	if job, err := att.Resubmit(c.engine); err != nil {
		c.log().WithError(err).Warn("Failed to resubmit pending package")
	} else if job != nil {
		c.log().Debug("Resubmitted pending package")
	}

	if d.spool != nil {
		if _, err := d.spool.Take(id); err != nil {
			logger.WithError(err).Debug("Failed to remove blob from spool")
		}
	}
	return true
}
