// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package main

import "errors"

var errNoControl = errors.New("connection handover requires Unix domain sockets")

func (d *daemon) startControl() error {
	return errNoControl
}

func (d *daemon) takeover() error {
	return errNoControl
}
