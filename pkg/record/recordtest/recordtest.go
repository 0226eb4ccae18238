// SPDX-FileCopyrightText: 2026 The vmtrans Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package recordtest provides TLS fixtures for tests of record engines.
package recordtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"
)

// ServerName is the name the generated certificate is valid for.
const ServerName = "vmtrans.test"

// Configs creates a TLS 1.3 client and server configuration, based on a fresh
// self-signed certificate.
func Configs(tb testing.TB) (client, server *tls.Config) {
	tb.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: ServerName},
		DNSNames:              []string{ServerName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		tb.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
	}
	client = &tls.Config{
		RootCAs:    pool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS13,
	}
	return
}

// Endpoint is one side of a memory based TLS connection.
type Endpoint interface {
	Pending() []byte
	Consume(n int)
	Feed(p []byte)
}

// Pump moves ciphertext between both Endpoints until the returned function is
// called.
func Pump(a, b Endpoint) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup

	move := func(from, to Endpoint) bool {
		chunk := from.Pending()
		if len(chunk) == 0 {
			return false
		}
		to.Feed(append([]byte(nil), chunk...))
		from.Consume(len(chunk))
		return true
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}

			if !move(a, b) && !move(b, a) {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
