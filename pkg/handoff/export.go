// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package handoff

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/engine"
	"github.com/vmfabric/vmtrans/pkg/metrics"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// Source is a paused connection to be exported, implemented by engine.Engine.
type Source interface {
	Snapshot() (engine.Snapshot, error)
	Paused() (paused, detaching bool)
}

// ExportOptions are the parts of an export not known to the write engine.
type ExportOptions struct {
	// Strategy represents the socket.
	Strategy Strategy

	// Handshake is the application's handshake header.
	Handshake []byte

	// Lookahead are bytes already read from the socket but not yet consumed.
	Lookahead []byte
}

var (
	// ErrNoStrategy is returned if no Strategy was configured.
	ErrNoStrategy = errors.New("handoff: no strategy")

	// ErrRouterNotSerializable is returned for routers without CBOR encoding.
	ErrRouterNotSerializable = errors.New("handoff: router is not serializable")

	// ErrPendingCiphertext is returned if the TLS record layer was not flushed.
	ErrPendingCiphertext = errors.New("handoff: TLS record layer holds unsent ciphertext")
)

// Export a paused connection. The returned proof must be transferred next to
// the Blob's package, as required by the Strategy; it might be nil.
//
// The Source should be detaching, as both processes would write to the same
// socket otherwise.
func Export(src Source, opts ExportOptions) (pkg *wire.Package, proof *os.File, err error) {
	defer func() { metrics.Handoff("export", err) }()

	if opts.Strategy == nil {
		err = ErrNoStrategy
		return
	}

	snap, snapErr := src.Snapshot()
	if snapErr != nil {
		err = fmt.Errorf("handoff: snapshot: %w", snapErr)
		return
	}

	logger := log.WithFields(log.Fields{
		"local": snap.LocalID,
		"peer":  snap.PeerID,
	})
	if _, detaching := src.Paused(); !detaching {
		logger.Warn("Exporting a connection which is not detaching")
	}

	blob := &Blob{
		Header: Header{
			PeerVersion: snap.PeerVersion,
			LocalID:     snap.LocalID,
			PeerID:      snap.PeerID,
			Handshake:   append([]byte(nil), opts.Handshake...),
		},
		Lookahead: append([]byte(nil), opts.Lookahead...),
	}

	if blob.Routes, err = exportRoutes(snap); err != nil {
		return
	}
	if blob.Session, err = exportSession(snap); err != nil {
		return
	}
	if snap.Pending != nil {
		pending := snap.Pending.Clone(true)
		pending.Seal()
		blob.Pending = wire.Encode(pending)
	}

	blob.Header.Socket, proof, err = opts.Strategy.Represent(snap.Conn)
	if err != nil {
		err = fmt.Errorf("handoff: representing socket: %w", err)
		return
	}

	if pkg, err = blob.Package(); err != nil {
		if proof != nil {
			_ = proof.Close()
			proof = nil
		}
		err = fmt.Errorf("handoff: packaging blob: %w", err)
		return
	}

	logger.WithFields(log.Fields{
		"routes":    len(blob.Routes),
		"session":   len(blob.Session),
		"pending":   len(blob.Pending),
		"lookahead": len(blob.Lookahead),
	}).Info("Exported connection")
	return
}

func exportRoutes(snap engine.Snapshot) ([]byte, error) {
	m, ok := snap.Router.(cboring.CborMarshaler)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrRouterNotSerializable, snap.Router)
	}

	buf := new(bytes.Buffer)
	if err := cboring.Marshal(m, buf); err != nil {
		return nil, fmt.Errorf("handoff: encoding routes: %w", err)
	}
	return buf.Bytes(), nil
}

func exportSession(snap engine.Snapshot) ([]byte, error) {
	if snap.Record == nil {
		return nil, nil
	}
	if snap.Record.HasPending() {
		return nil, ErrPendingCiphertext
	}

	session, err := snap.Record.Session()
	if err != nil {
		return nil, fmt.Errorf("handoff: exporting TLS session: %w", err)
	}
	return session, nil
}
