// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics holds the Prometheus collectors of all connections within
// this process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmtrans"

// Registry contains all collectors of this package.
var Registry = prometheus.NewRegistry()

var (
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "bytes_sent_total",
		Help:      "Encoded size of the packages sent; pseudo record headers and TLS overhead are not counted.",
	})

	packagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "packages_sent_total",
		Help:      "Packages written completely, heartbeats excluded.",
	})

	heartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "heartbeats_sent_total",
		Help:      "Synthesized heartbeat packages written.",
	})

	writeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "write_failures_total",
		Help:      "Failed package writes by result.",
	}, []string{"result"})

	engineStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "stops_total",
		Help:      "Stopped engines by reason.",
	}, []string{"reason"})

	enginesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "running",
		Help:      "Currently started engines.",
	})

	handoffs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handoff",
		Name:      "operations_total",
		Help:      "Handoff exports and imports by outcome.",
	}, []string{"operation", "outcome"})
)

func init() {
	Registry.MustRegister(
		bytesSent,
		packagesSent,
		heartbeatsSent,
		writeFailures,
		engineStops,
		enginesRunning,
		handoffs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// BytesSent adds written bytes.
func BytesSent(n int) {
	if n > 0 {
		bytesSent.Add(float64(n))
	}
}

// PackageSent counts one completely written package.
func PackageSent(heartbeat bool) {
	if heartbeat {
		heartbeatsSent.Inc()
	} else {
		packagesSent.Inc()
	}
}

// WriteFailed counts a failed write by its result.
func WriteFailed(result string) {
	writeFailures.WithLabelValues(result).Inc()
}

// EngineStarted increments the running engines.
func EngineStarted() {
	enginesRunning.Inc()
}

// EngineStopped decrements the running engines and counts the reason.
func EngineStopped(reason string) {
	enginesRunning.Dec()
	engineStops.WithLabelValues(reason).Inc()
}

// Handoff counts a handoff operation, "export" or "import", by its outcome.
func Handoff(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	handoffs.WithLabelValues(operation, outcome).Inc()
}
