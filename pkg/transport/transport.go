// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport dials and listens on the sockets a write engine runs on:
// TCP for remote hypervisor hosts, Unix domain sockets for local management
// services and vsock for links between a guest and its hypervisor.
//
// Endpoints are written as URLs, e.g., "tcp://10.0.0.1:16509",
// "unix:///run/vmtrans.sock" or "vsock://host:1024".
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	log "github.com/sirupsen/logrus"
)

// Supported networks.
const (
	TCP   = "tcp"
	Unix  = "unix"
	Vsock = "vsock"
)

// DefaultDialTimeout bounds connection establishment for TCP and Unix sockets.
const DefaultDialTimeout = time.Second

// Well-known vsock context IDs, see vsock(7).
const (
	CIDHypervisor uint32 = 0
	CIDLocal      uint32 = 1
	CIDHost       uint32 = 2
	CIDAny        uint32 = 0xFFFFFFFF
)

// ErrUnknownNetwork is returned for networks other than tcp, unix and vsock.
var ErrUnknownNetwork = errors.New("transport: unknown network")

// Endpoint is a network and an address within this network.
type Endpoint struct {
	Network string
	Address string
}

// ParseEndpoint parses an URL-like "network://address" string.
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("transport: endpoint %q is not of the form network://address", s)
	}

	ep := Endpoint{Network: parts[0], Address: parts[1]}
	switch ep.Network {
	case TCP, Unix:
	case Vsock:
		if _, err := ParseVsockAddr(ep.Address); err != nil {
			return Endpoint{}, err
		}
	default:
		return Endpoint{}, fmt.Errorf("%w %q", ErrUnknownNetwork, ep.Network)
	}
	return ep, nil
}

func (ep Endpoint) String() string {
	return fmt.Sprintf("%s://%s", ep.Network, ep.Address)
}

// Dial this Endpoint.
func (ep Endpoint) Dial() (net.Conn, error) {
	return Dial(ep.Network, ep.Address)
}

// Listen on this Endpoint.
func (ep Endpoint) Listen() (net.Listener, error) {
	return Listen(ep.Network, ep.Address)
}

// VsockAddr is a vsock context ID and port.
type VsockAddr struct {
	CID  uint32
	Port uint32
}

// ParseVsockAddr parses a "cid:port" address. The context ID might be a number
// or one of "hypervisor", "local", "host" and "any".
func ParseVsockAddr(s string) (VsockAddr, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return VsockAddr{}, fmt.Errorf("transport: vsock address %q misses a port", s)
	}

	var addr VsockAddr
	switch cid := s[:i]; cid {
	case "hypervisor":
		addr.CID = CIDHypervisor
	case "local":
		addr.CID = CIDLocal
	case "host":
		addr.CID = CIDHost
	case "any", "":
		addr.CID = CIDAny
	default:
		n, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return VsockAddr{}, fmt.Errorf("transport: invalid vsock context ID %q: %w", cid, err)
		}
		addr.CID = uint32(n)
	}

	port, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return VsockAddr{}, fmt.Errorf("transport: invalid vsock port %q: %w", s[i+1:], err)
	}
	addr.Port = uint32(port)

	return addr, nil
}

func (va VsockAddr) String() string {
	return strconv.FormatUint(uint64(va.CID), 10) + ":" + strconv.FormatUint(uint64(va.Port), 10)
}

// Dial a connection on the given network.
func Dial(network, address string) (conn net.Conn, err error) {
	switch network {
	case TCP:
		conn, err = dialTCP(address, DefaultDialTimeout)

	case Unix:
		conn, err = net.DialTimeout(Unix, address, DefaultDialTimeout)

	case Vsock:
		var addr VsockAddr
		if addr, err = ParseVsockAddr(address); err != nil {
			return nil, err
		} else if addr.CID == CIDAny {
			return nil, fmt.Errorf("transport: cannot dial vsock address %q without a context ID", address)
		}
		conn, err = vsock.Dial(addr.CID, addr.Port, nil)

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownNetwork, network)
	}

	if err != nil {
		log.WithFields(log.Fields{
			"network": network,
			"address": address,
			"error":   err,
		}).Debug("Dialing failed")
		return nil, err
	}

	log.WithFields(log.Fields{
		"network": network,
		"local":   conn.LocalAddr(),
		"remote":  conn.RemoteAddr(),
	}).Debug("Dialed connection")
	return conn, nil
}

// Listen on the given network. A vsock listener on CIDAny binds to the local
// context ID.
func Listen(network, address string) (ln net.Listener, err error) {
	switch network {
	case TCP, Unix:
		ln, err = net.Listen(network, address)

	case Vsock:
		var addr VsockAddr
		if addr, err = ParseVsockAddr(address); err != nil {
			return nil, err
		} else if addr.CID == CIDAny {
			ln, err = vsock.Listen(addr.Port, nil)
		} else {
			ln, err = vsock.ListenContextID(addr.CID, addr.Port, nil)
		}

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownNetwork, network)
	}

	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"network": network,
		"address": ln.Addr(),
	}).Debug("Listening")
	return ln, nil
}
