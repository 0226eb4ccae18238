// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"bytes"
	"crypto/tls"
	"fmt"

	"github.com/dtn7/cboring"
)

// Session is a resumable TLS client session.
type Session struct {
	Ticket []byte
	State  *tls.SessionState
}

// EncodeSession serializes a client session as a CBOR array of the ticket and
// the session state.
func EncodeSession(cs *tls.ClientSessionState) ([]byte, error) {
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return nil, err
	} else if state == nil {
		return nil, ErrNoSession
	}

	stateBytes, err := state.Bytes()
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := cboring.WriteArrayLength(2, buf); err != nil {
		return nil, err
	}
	for _, field := range [][]byte{ticket, stateBytes} {
		if err := cboring.WriteByteString(field, buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParseSession validates and parses a session exported by EncodeSession.
func ParseSession(data []byte) (*Session, error) {
	r := bytes.NewReader(data)

	if l, err := cboring.ReadArrayLength(r); err != nil {
		return nil, fmt.Errorf("record: parsing session: %w", err)
	} else if l != 2 {
		return nil, fmt.Errorf("record: session array has length %d, expected 2", l)
	}

	ticket, err := cboring.ReadByteString(r)
	if err != nil {
		return nil, fmt.Errorf("record: parsing session ticket: %w", err)
	}
	stateBytes, err := cboring.ReadByteString(r)
	if err != nil {
		return nil, fmt.Errorf("record: parsing session state: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("record: %d trailing bytes after session", r.Len())
	}

	state, err := tls.ParseSessionState(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("record: invalid session state: %w", err)
	}

	return &Session{Ticket: ticket, State: state}, nil
}

// ValidateSession checks that data holds a parsable session.
func ValidateSession(data []byte) error {
	_, err := ParseSession(data)
	return err
}

// ClientSessionCache returns a cache holding this Session for the given key,
// usually the server name, to resume it in a new client engine.
func (s *Session) ClientSessionCache(key string) (tls.ClientSessionCache, error) {
	cs, err := tls.NewResumptionState(s.Ticket, s.State)
	if err != nil {
		return nil, err
	}

	cache := tls.NewLRUClientSessionCache(1)
	cache.Put(key, cs)
	return cache, nil
}
