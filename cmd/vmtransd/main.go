// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// vmtransd runs write engines for the connections of a VM management service.
//
// Usage:
//
//	vmtransd [takeover] configuration.toml
//
// With takeover, vmtransd first continues all connections of a running
// vmtransd, which hands them over on its control socket and exits.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	args := os.Args[1:]
	takeover := len(args) == 2 && args[0] == "takeover"
	if takeover {
		args = args[1:]
	}
	if len(args) != 1 {
		log.Fatalf("Usage: %s [takeover] configuration.toml", os.Args[0])
	}

	conf, s, err := parseConfig(args[0])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}
	configureLogging(conf.Logging)

	d := newDaemon(s)
	if err := d.start(takeover); err != nil {
		_ = d.close()
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start")
	}

	if watcher, err := watchConfig(args[0]); err != nil {
		log.WithError(err).Warn("Failed to watch configuration file")
	} else {
		defer watcher.Close()
	}

	d.wait()
	log.Info("Shutting down..")

	if err := d.close(); err != nil {
		log.WithError(err).Warn("Shutdown errored")
	}
}
