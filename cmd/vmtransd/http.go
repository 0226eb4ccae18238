// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vmfabric/vmtrans/pkg/metrics"
	"github.com/vmfabric/vmtrans/pkg/wire"
)

// defaultSendTimeout bounds HTTP triggered sends if engine.send-timeout is
// not configured.
const defaultSendTimeout = 5 * time.Second

// router serves the metrics and a small management API for connections.
func (d *daemon) router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/connections", d.handleList).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}", d.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}", d.handleClose).Methods(http.MethodDelete)
	r.HandleFunc("/connections/{id}/send", d.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/pause", d.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/resume", d.handleResume).Methods(http.MethodPost)

	return r
}

// resultResponse is the answer of all modifying requests.
type resultResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write HTTP response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, resultResponse{Error: err.Error()})
}

// requestConnection looks up the connection named by the "id" variable.
func (d *daemon) requestConnection(w http.ResponseWriter, r *http.Request) (*connection, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}

	c, ok := d.connection(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown connection %v", id))
		return nil, false
	}
	return c, true
}

// handleList processes /connections GET requests.
func (d *daemon) handleList(w http.ResponseWriter, _ *http.Request) {
	infos := []connectionInfo{}
	for _, c := range d.list() {
		infos = append(infos, c.info())
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleGet processes /connections/{id} GET requests.
func (d *daemon) handleGet(w http.ResponseWriter, r *http.Request) {
	if c, ok := d.requestConnection(w, r); ok {
		writeJSON(w, http.StatusOK, c.info())
	}
}

// handleClose processes /connections/{id} DELETE requests.
func (d *daemon) handleClose(w http.ResponseWriter, r *http.Request) {
	c, ok := d.requestConnection(w, r)
	if !ok {
		return
	}

	result := c.close()
	d.remove(c.id)

	c.log().WithField("reason", result).Info("Closed connection on request")
	writeJSON(w, http.StatusOK, resultResponse{Result: result.String()})
}

// handleSend processes /connections/{id}/send?type=N POST requests. The body
// becomes the package's only buffer.
func (d *daemon) handleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := d.requestConnection(w, r)
	if !ok {
		return
	}

	typ, err := strconv.ParseUint(r.URL.Query().Get("type"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("type: %w", err))
		return
	} else if wire.IsReservedType(uint32(typ)) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("type %d is reserved", typ))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(wire.DefaultLimits.MaxBufferSize)+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buf, err := wire.BufferFrom(wire.EncodingRaw, body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	timeout := d.settings.sendTimeout
	if timeout == 0 {
		timeout = defaultSendTimeout
	}

	job, err := c.send(wire.New(uint32(typ), buf), timeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	result := job.WaitSent(timeout)
	status := http.StatusOK
	if err := result.Err(); err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resultResponse{Result: result.String()})
}

// handlePause processes /connections/{id}/pause POST requests.
func (d *daemon) handlePause(w http.ResponseWriter, r *http.Request) {
	c, ok := d.requestConnection(w, r)
	if !ok {
		return
	}

	if err := c.engine.PauseAndSend(wire.New(wire.TypePause), false, d.settings.pauseTimeout); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: "paused"})
}

// handleResume processes /connections/{id}/resume POST requests.
func (d *daemon) handleResume(w http.ResponseWriter, r *http.Request) {
	c, ok := d.requestConnection(w, r)
	if !ok {
		return
	}

	if err := c.engine.Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: "resumed"})
}
