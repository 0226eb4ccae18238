// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package handoff

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/vmfabric/vmtrans/pkg/wire"
)

const dirBadger string = "db"

// SpoolItem is a parked Blob awaiting its importing process.
type SpoolItem struct {
	Id     string `badgerhold:"key"`
	Target string `badgerholdIndex:"Target"`

	Blob    []byte
	Created time.Time
	Expires time.Time `badgerholdIndex:"Expires"`
}

// Spool parks encoded Blobs on disk until their target takes them. A Blob's
// socket representation might only be valid within the target process, e.g.,
// for HandleDuplication.
type Spool struct {
	bh *badgerhold.Store
}

// OpenSpool creates a new Spool or opens an existing one at the given path.
func OpenSpool(dir string) (s *Spool, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Spool{bh: bh}
	}
	return
}

// Close the Spool. It must not be used afterwards.
func (s *Spool) Close() error {
	return s.bh.Close()
}

// Put parks a Blob's package for target. It expires after ttl; zero means
// never.
func (s *Spool) Put(target string, pkg *wire.Package, ttl time.Duration) error {
	item := SpoolItem{
		Id:      pkg.EnsureID().String(),
		Target:  target,
		Blob:    wire.Encode(pkg),
		Created: time.Now(),
	}
	if ttl > 0 {
		item.Expires = item.Created.Add(ttl)
	}

	log.WithFields(log.Fields{
		"blob":   item.Id,
		"target": target,
	}).Debug("Spool parks blob")

	return s.bh.Upsert(item.Id, item)
}

// Take removes and returns a parked Blob's package.
func (s *Spool) Take(id string) (*wire.Package, error) {
	var item SpoolItem
	if err := s.bh.Get(id, &item); err != nil {
		return nil, err
	}
	if err := s.bh.Delete(id, SpoolItem{}); err != nil {
		return nil, err
	}

	pkg, err := wire.Decode(bytes.NewReader(item.Blob))
	if err != nil {
		return nil, fmt.Errorf("handoff: spooled blob %s: %w", id, err)
	}
	return pkg, nil
}

// Pending lists the IDs of all Blobs parked for target, oldest first.
func (s *Spool) Pending(target string) (ids []string, err error) {
	var items []SpoolItem
	if err = s.bh.Find(&items, badgerhold.Where("Target").Eq(target).SortBy("Created")); err != nil {
		return
	}

	for _, item := range items {
		ids = append(ids, item.Id)
	}
	return
}

// DeleteExpired removes all expired Blobs and returns their number.
func (s *Spool) DeleteExpired() int {
	var items []SpoolItem
	query := badgerhold.Where("Expires").Lt(time.Now()).And("Expires").Ne(time.Time{})
	if err := s.bh.Find(&items, query); err != nil {
		log.WithError(err).Warn("Failed to get expired blobs")
		return 0
	}

	deleted := 0
	for _, item := range items {
		logger := log.WithFields(log.Fields{
			"blob":   item.Id,
			"target": item.Target,
		})
		if err := s.bh.Delete(item.Id, SpoolItem{}); err != nil {
			logger.WithError(err).Warn("Failed to delete expired blob")
		} else {
			logger.Info("Deleted expired blob")
			deleted++
		}
	}
	return deleted
}
