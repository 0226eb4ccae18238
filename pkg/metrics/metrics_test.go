// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(bytesSent)
	BytesSent(100)
	BytesSent(-1)
	if d := testutil.ToFloat64(bytesSent) - before; d != 100 {
		t.Fatalf("Bytes counter grew by %v, expected 100", d)
	}

	hb := testutil.ToFloat64(heartbeatsSent)
	pkgs := testutil.ToFloat64(packagesSent)
	PackageSent(true)
	PackageSent(false)
	PackageSent(false)
	if testutil.ToFloat64(heartbeatsSent)-hb != 1 || testutil.ToFloat64(packagesSent)-pkgs != 2 {
		t.Fatalf("Package counters mismatch")
	}

	Handoff("import", errors.New("nope"))
	if testutil.ToFloat64(handoffs.WithLabelValues("import", "failure")) < 1 {
		t.Fatalf("Handoff failure was not counted")
	}
}

func TestHandler(t *testing.T) {
	EngineStarted()
	EngineStopped("Fail")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"vmtrans_engine_stops_total", "vmtrans_engine_running", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Fatalf("Metric %s is missing", name)
		}
	}
}
