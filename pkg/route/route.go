// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package route decides whether a message type travels in cleartext or
// through the TLS record layer.
package route

import (
	"fmt"
	"io"
	"sort"

	"github.com/dtn7/cboring"
)

// Route is the path a Package takes on the wire.
type Route uint8

const (
	// Plaintext packages are written unencrypted.
	Plaintext Route = 0

	// Secured packages are written through the TLS record layer.
	Secured Route = 1
)

func (r Route) String() string {
	switch r {
	case Plaintext:
		return "plaintext"
	case Secured:
		return "secured"
	default:
		return "INVALID"
	}
}

// ParseRoute parses a Route's string representation.
func ParseRoute(s string) (Route, error) {
	switch s {
	case "plaintext":
		return Plaintext, nil
	case "secured":
		return Secured, nil
	default:
		return 0, fmt.Errorf("route: unknown route %q", s)
	}
}

// Router selects the Route for a message type.
type Router interface {
	RouteFor(typ uint32) Route
}

// Table is a static Router, mapping message types to Routes and falling back
// to a default. A Table must not be modified while in use; use Clone and Set
// to derive a new one.
type Table struct {
	Default Route
	Routes  map[uint32]Route
}

// NewTable creates an empty Table with the given default Route.
func NewTable(def Route) *Table {
	return &Table{
		Default: def,
		Routes:  make(map[uint32]Route),
	}
}

// RouteFor returns the Route configured for typ or the default.
func (t *Table) RouteFor(typ uint32) Route {
	if r, ok := t.Routes[typ]; ok {
		return r
	}
	return t.Default
}

// Set the Route for a message type.
func (t *Table) Set(typ uint32, r Route) *Table {
	if t.Routes == nil {
		t.Routes = make(map[uint32]Route)
	}
	t.Routes[typ] = r
	return t
}

// Clone creates an independent copy of this Table.
func (t *Table) Clone() *Table {
	c := NewTable(t.Default)
	for typ, r := range t.Routes {
		c.Routes[typ] = r
	}
	return c
}

func (t *Table) String() string {
	return fmt.Sprintf("Table(default=%v, routes=%d)", t.Default, len(t.Routes))
}

// MarshalCbor writes this Table as a CBOR array of the default Route and a map
// of message types to Routes. Map keys are written in ascending order.
func (t *Table) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(t.Default), w); err != nil {
		return err
	}

	types := make([]uint32, 0, len(t.Routes))
	for typ := range t.Routes {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	if err := cboring.WriteMapPairLength(uint64(len(types)), w); err != nil {
		return err
	}
	for _, typ := range types {
		if err := cboring.WriteUInt(uint64(typ), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(t.Routes[typ]), w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a Table written by MarshalCbor.
func (t *Table) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("route: expected array with length 2, got %d", l)
	}

	def, err := readRoute(r)
	if err != nil {
		return err
	}

	n, err := cboring.ReadMapPairLength(r)
	if err != nil {
		return err
	}

	routes := make(map[uint32]Route)
	for i := uint64(0); i < n; i++ {
		typ, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		} else if typ > 0xFFFFFFFF {
			return fmt.Errorf("route: message type %d exceeds 32 bits", typ)
		}

		rt, err := readRoute(r)
		if err != nil {
			return err
		}
		routes[uint32(typ)] = rt
	}

	t.Default = def
	t.Routes = routes
	return nil
}

func readRoute(r io.Reader) (Route, error) {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return 0, err
	}

	rt := Route(n)
	if n > 0xFF || rt.String() == "INVALID" {
		return 0, fmt.Errorf("route: invalid route %d", n)
	}
	return rt, nil
}
