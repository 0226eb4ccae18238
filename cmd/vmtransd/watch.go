// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchConfig re-applies the Logging-configuration block whenever the
// configuration file is written. Other blocks require a restart.
//
// The directory is watched instead of the file itself, as editors tend to
// replace files.
func watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(e.Name) != filepath.Clean(filename) {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					log.WithFields(log.Fields{
						"file":      e.Name,
						"operation": e.Op.String(),
					}).Debug("Ignoring fsnotify event")
					continue
				}

				reloadLogging(filename)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("fsnotify errored")
			}
		}
	}()

	return watcher, nil
}

func reloadLogging(filename string) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		log.WithFields(log.Fields{
			"file":  filename,
			"error": err,
		}).Warn("Failed to reload configuration, keeping the previous one")
		return
	}

	configureLogging(conf.Logging)
	log.WithField("file", filename).Info("Reloaded logging configuration")
}
