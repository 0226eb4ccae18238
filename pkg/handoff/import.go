// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package handoff

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/dtn7/cboring"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/engine"
	"github.com/vmfabric/vmtrans/pkg/jobs"
	"github.com/vmfabric/vmtrans/pkg/metrics"
	"github.com/vmfabric/vmtrans/pkg/record"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// ImportOptions tune the validation of an imported Blob.
type ImportOptions struct {
	// ValidateSession rejects unusable TLS sessions. Defaults to
	// record.ValidateSession.
	ValidateSession func([]byte) error

	// Limits for decoding the pending package. Defaults to wire.DefaultLimits.
	Limits wire.Limits
}

func (opts ImportOptions) withDefaults() ImportOptions {
	if opts.ValidateSession == nil {
		opts.ValidateSession = record.ValidateSession
	}
	if opts.Limits == (wire.Limits{}) {
		opts.Limits = wire.DefaultLimits
	}
	return opts
}

var (
	// ErrNoRoutes is returned for a Blob without a routing table.
	ErrNoRoutes = errors.New("handoff: blob has no routing table")

	// ErrInvalidSession is wrapped if the TLS session was rejected.
	ErrInvalidSession = errors.New("handoff: invalid TLS session")

	// ErrAlreadyAttached is returned by every but the first Attach.
	ErrAlreadyAttached = errors.New("handoff: already attached")
)

// Imported is a validated connection, ready to be attached exactly once.
type Imported struct {
	attachment Attachment
	claimed    atomic.Bool
}

// Attachment is the state of an imported connection.
type Attachment struct {
	Conn        net.Conn
	LocalID     uuid.UUID
	PeerID      uuid.UUID
	PeerVersion uint32
	Handshake   []byte
	Router      *route.Table

	// Session is the TLS session to resume, empty without TLS.
	Session []byte

	// Pending is the package which was still queued, if any.
	Pending *wire.Package

	// Lookahead must be consumed by the read side before reading from Conn.
	Lookahead []byte
}

// Import validates a Blob's package, adopts its socket through the Strategy
// and returns the connection. Import takes ownership of proof. On an error,
// nothing of the Blob survives; neither the socket nor the proof stay open.
func Import(pkg *wire.Package, proof *os.File, strategy Strategy, opts ImportOptions) (imp *Imported, err error) {
	defer func() { metrics.Handoff("import", err) }()

	opts = opts.withDefaults()

	proofConsumed := false
	defer func() {
		if !proofConsumed && proof != nil {
			if closeErr := proof.Close(); closeErr != nil {
				log.WithError(closeErr).Debug("Closing unused socket proof errored")
			}
		}
	}()

	if strategy == nil {
		err = ErrNoStrategy
		return
	}

	blob, blobErr := ParseBlob(pkg)
	if blobErr != nil {
		err = blobErr
		return
	}

	att := Attachment{
		LocalID:     blob.Header.LocalID,
		PeerID:      blob.Header.PeerID,
		PeerVersion: blob.Header.PeerVersion,
		Handshake:   append([]byte(nil), blob.Header.Handshake...),
		Lookahead:   append([]byte(nil), blob.Lookahead...),
	}

	if att.Router, err = importRoutes(blob.Routes); err != nil {
		return
	}

	if len(blob.Session) > 0 {
		if sessErr := opts.ValidateSession(blob.Session); sessErr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidSession, sessErr)
			return
		}
		att.Session = append([]byte(nil), blob.Session...)
	}

	if len(blob.Pending) > 0 {
		if att.Pending, err = importPending(blob.Pending, opts.Limits); err != nil {
			return
		}
	}

	proofConsumed = true
	if att.Conn, err = strategy.Adopt(blob.Header.Socket, proof); err != nil {
		err = fmt.Errorf("handoff: adopting socket: %w", err)
		return
	}

	log.WithFields(log.Fields{
		"local":  att.LocalID,
		"peer":   att.PeerID,
		"remote": att.Conn.RemoteAddr(),
	}).Info("Imported connection")

	imp = &Imported{attachment: att}
	return
}

func importRoutes(data []byte) (*route.Table, error) {
	if len(data) == 0 {
		return nil, ErrNoRoutes
	}

	table := new(route.Table)
	r := bytes.NewReader(data)
	if err := cboring.Unmarshal(table, r); err != nil {
		return nil, fmt.Errorf("%w: routes: %v", ErrMalformedBlob, err)
	} else if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing routing table bytes", ErrMalformedBlob, r.Len())
	}
	return table, nil
}

func importPending(data []byte, lim wire.Limits) (*wire.Package, error) {
	r := bytes.NewReader(data)
	pending, err := wire.DecodeWithLimits(r, lim)
	if err != nil {
		return nil, fmt.Errorf("%w: pending package: %v", ErrMalformedBlob, err)
	} else if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing pending package bytes", ErrMalformedBlob, r.Len())
	} else if err := pending.Verify(); err != nil {
		return nil, fmt.Errorf("%w: pending package: %v", ErrMalformedBlob, err)
	}
	return pending, nil
}

// Attach claims the imported connection. Only the first call succeeds; any
// further call is a programming error and returns ErrAlreadyAttached.
func (imp *Imported) Attach() (*Attachment, error) {
	if !imp.claimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyAttached
	}

	att := imp.attachment
	return &att, nil
}

// Discard closes the connection if it was never attached.
func (imp *Imported) Discard() error {
	if !imp.claimed.CompareAndSwap(false, true) {
		return ErrAlreadyAttached
	}
	return imp.attachment.Conn.Close()
}

// Params for an engine continuing this connection on the given queue. The
// engine owns the connection. A TLS record layer must be set by the caller,
// resuming Session.
func (att *Attachment) Params(q engine.Queue, waker *engine.Waker) engine.Params {
	return engine.Params{
		Conn:        att.Conn,
		LocalID:     att.LocalID,
		PeerID:      att.PeerID,
		PeerVersion: att.PeerVersion,
		Router:      att.Router,
		Queue:       q,
		Waker:       waker,
		OwnsConn:    true,
	}
}

// Resubmit enqueues the pending package, if any.
func (att *Attachment) Resubmit(e *engine.Engine, opts ...jobs.Option) (*jobs.Job, error) {
	if att.Pending == nil {
		return nil, nil
	}
	return e.Send(att.Pending, opts...)
}
