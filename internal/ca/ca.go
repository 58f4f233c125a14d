// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package ca

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tvaughan/device-provisioner/internal/errs"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

// Material is parsed CA signing material.
type Material struct {
	Cert    *x509.Certificate
	Key     *rsa.PrivateKey
	CertPEM []byte
}

type CA struct {
	Storage *storage.StorageService
	// Name is used in the subject of a bootstrapped CA certificate.
	Name string
	// Bootstrap allows Init to generate a new self-signed CA when the store
	// holds none.
	Bootstrap bool

	// mu guards material.
	material *Material
	mu       sync.RWMutex
	// signMu serializes serial allocation and certificate creation.
	signMu sync.Mutex
}

func New(s *storage.StorageService, name string) *CA {
	return &CA{
		Storage: s,
		Name:    name,
	}
}

// Material returns the CA material, loading it from the store on first use.
// It returns a CAUnavailable error while no CA has been initialised or
// imported.
func (c *CA) Material(ctx context.Context) (*Material, error) {
	c.mu.RLock()
	m := c.material
	c.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.material != nil {
		return c.material, nil
	}
	if err := c.loadCA(ctx); err != nil {
		return nil, err
	}
	return c.material, nil
}

// Ready reports whether CA material is available for signing.
func (c *CA) Ready(ctx context.Context) bool {
	_, err := c.Material(ctx)
	return err == nil
}

// Reload drops the cached material so the next use re-reads the store.
func (c *CA) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.material = nil
}

// ParseMaterial validates a CA certificate/key pair. The key may be PKCS1
// ("BEGIN RSA PRIVATE KEY") or PKCS8 ("BEGIN PRIVATE KEY") and must match the
// certificate's public key.
func ParseMaterial(certPEM, keyPEM []byte) (*Material, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("CA certificate does not contain a valid PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate is not a CA certificate (IsCA=false)")
	}

	key, err := parseRSAKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("CA private key: %w", err)
	}

	certPubKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("CA certificate does not contain an RSA public key")
	}
	if !key.PublicKey.Equal(certPubKey) {
		return nil, fmt.Errorf("private key does not match the certificate's public key")
	}

	return &Material{Cert: cert, Key: key, CertPEM: certPEM}, nil
}

func parseRSAKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("does not contain a valid PEM block")
	}
	if k1, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
		return k1, nil
	} else if k8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes); err8 == nil {
		key, ok := k8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA key")
		}
		return key, nil
	} else {
		return nil, fmt.Errorf("failed to parse private key (PKCS1: %v; PKCS8: %v)", err1, err8)
	}
}

// UnescapePEM turns literal "\n" sequences into newlines, the form PEM takes
// when it is passed through a single-line environment variable.
func UnescapePEM(b []byte) []byte {
	return []byte(strings.ReplaceAll(string(b), `\n`, "\n"))
}

// loadCA reads and parses the CA row. c.mu must be held.
func (c *CA) loadCA(ctx context.Context) error {
	const op = "ca.Load"
	row, err := c.Storage.FetchCAMaterial(ctx)
	if err != nil {
		return err
	}
	m, err := ParseMaterial(row.CertificatePEM, row.PrivateKeyPEM)
	if err != nil {
		return errs.Errorf(errs.CAUnavailable, op, "stored CA material is unusable: %w", err)
	}
	c.material = m
	slog.Debug("Loaded CA material", "cn", m.Cert.Subject.CommonName, "not_after", m.Cert.NotAfter)
	return nil
}
