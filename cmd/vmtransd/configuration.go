// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/engine"
	"github.com/vmfabric/vmtrans/pkg/route"
	"github.com/vmfabric/vmtrans/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core    coreConf
	Logging logConf
	Engine  engineConf
	TLS     tlsConf `toml:"tls"`
	Handoff handoffConf
	Metrics metricsConf
	Listen  []endpointConf
	Peer    []endpointConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeId string `toml:"node-id"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// engineConf describes the Engine-configuration block.
type engineConf struct {
	QueueCapacity     int    `toml:"queue-capacity"`
	PeerVersion       uint32 `toml:"peer-version"`
	HeartbeatInterval string `toml:"heartbeat-interval"`
	SendTimeout       string `toml:"send-timeout"`
}

// tlsConf describes the TLS-configuration block.
type tlsConf struct {
	Cert    string
	Key     string
	Default string
	Secured []uint32
}

// handoffConf describes the Handoff-configuration block.
type handoffConf struct {
	Control      string
	Spool        string
	SpoolTTL     string `toml:"spool-ttl"`
	PauseTimeout string `toml:"pause-timeout"`
}

// metricsConf describes the Metrics-configuration block.
type metricsConf struct {
	Listen string
}

// endpointConf describes the Endpoint-configuration block, used for "listen"
// and "peer".
type endpointConf struct {
	Endpoint string
}

// settings are the parsed configuration, ready to be used by the daemon.
type settings struct {
	nodeId uuid.UUID

	queueCapacity     int
	peerVersion       uint32
	heartbeatInterval time.Duration
	sendTimeout       time.Duration

	tlsConfig *tls.Config
	routes    *route.Table

	control      string
	spool        string
	spoolTTL     time.Duration
	pauseTimeout time.Duration

	metricsListen string

	listen []transport.Endpoint
	peers  []transport.Endpoint
}

// parseDuration parses an optional duration with a fallback.
func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	} else if dur < 0 {
		return 0, fmt.Errorf("%s: negative duration %v", name, dur)
	}
	return dur, nil
}

func parseEndpoints(name string, confs []endpointConf) (eps []transport.Endpoint, err error) {
	for _, conf := range confs {
		ep, epErr := transport.ParseEndpoint(conf.Endpoint)
		if epErr != nil {
			err = fmt.Errorf("%s: %w", name, epErr)
			return
		}
		eps = append(eps, ep)
	}
	return
}

// configureLogging applies the Logging-configuration block. It is called
// again whenever the configuration file changes.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig reads and validates the given TOML configuration.
func parseConfig(filename string) (conf tomlConfig, s settings, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	s, err = parseSettings(conf)
	return
}

func parseSettings(conf tomlConfig) (s settings, err error) {
	// Core
	if conf.Core.NodeId == "" {
		s.nodeId = uuid.New()
		log.WithField("node-id", s.nodeId).Info("No node-id configured, generated a random one")
	} else if s.nodeId, err = uuid.Parse(conf.Core.NodeId); err != nil {
		err = fmt.Errorf("core.node-id: %w", err)
		return
	}

	// Engine
	s.queueCapacity = conf.Engine.QueueCapacity
	if s.queueCapacity <= 0 {
		s.queueCapacity = 64
	}
	s.peerVersion = conf.Engine.PeerVersion
	if s.heartbeatInterval, err = parseDuration("engine.heartbeat-interval", conf.Engine.HeartbeatInterval, engine.DefaultHeartbeatInterval); err != nil {
		return
	}
	if s.sendTimeout, err = parseDuration("engine.send-timeout", conf.Engine.SendTimeout, 0); err != nil {
		return
	}

	// TLS
	var def route.Route
	if conf.TLS.Default != "" {
		if def, err = route.ParseRoute(conf.TLS.Default); err != nil {
			err = fmt.Errorf("tls.default: %w", err)
			return
		}
	}
	s.routes = route.NewTable(def)
	for _, typ := range conf.TLS.Secured {
		s.routes.Set(typ, route.Secured)
	}

	if conf.TLS.Cert != "" || conf.TLS.Key != "" {
		cert, certErr := tls.LoadX509KeyPair(conf.TLS.Cert, conf.TLS.Key)
		if certErr != nil {
			err = fmt.Errorf("tls: %w", certErr)
			return
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}
	} else if def == route.Secured || len(conf.TLS.Secured) > 0 {
		err = fmt.Errorf("tls: secured routes require tls.cert and tls.key")
		return
	}

	// Handoff
	s.control = conf.Handoff.Control
	s.spool = conf.Handoff.Spool
	if s.spoolTTL, err = parseDuration("handoff.spool-ttl", conf.Handoff.SpoolTTL, 10*time.Minute); err != nil {
		return
	}
	if s.pauseTimeout, err = parseDuration("handoff.pause-timeout", conf.Handoff.PauseTimeout, 5*time.Second); err != nil {
		return
	}

	// Metrics
	s.metricsListen = conf.Metrics.Listen

	// Listen and Peer
	if s.listen, err = parseEndpoints("listen", conf.Listen); err != nil {
		return
	}
	if s.peers, err = parseEndpoints("peer", conf.Peer); err != nil {
		return
	}

	return
}
