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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tvaughan/device-provisioner/internal/errs"
)

// caValidity is the lifetime of a bootstrapped CA certificate. It outlives
// the fixed leaf validity so issued certificates chain for their whole life.
const caValidity = 2 * LeafValidityDays * 24 * time.Hour

// Init loads the CA from the store. When none exists and c.Bootstrap is set,
// a new self-signed CA is generated and stored; otherwise the CA stays
// unavailable until one is imported.
func (c *CA) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.loadCA(ctx)
	if err == nil {
		slog.Info("Loaded existing CA", "cn", c.material.Cert.Subject.CommonName, "database", c.Storage.Path())
		return nil
	}
	if !errs.Is(err, errs.CAUnavailable) {
		return err
	}
	if has, herr := c.Storage.HasCAMaterial(ctx); herr != nil {
		return herr
	} else if has {
		// A row exists but could not be parsed; never overwrite it.
		return err
	}
	if !c.Bootstrap {
		slog.Warn("No CA material found; issuance is unavailable until a CA is imported")
		return nil
	}

	slog.Info("No existing CA found, bootstrapping new CA")
	return c.bootstrapCA(ctx)
}

// bootstrapCA generates and stores a self-signed CA. c.mu must be held.
func (c *CA) bootstrapCA(ctx context.Context) error {
	name := c.Name
	if name == "" {
		name = "provisioner"
	}

	slog.Debug("Generating CA key (4096-bit RSA), this may take a moment")
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	// SubjectKeyIdentifier: SHA1 of the DER-encoded public key.
	pubBytes, _ := asn1.Marshal(key.PublicKey)
	subjectKeyID := sha1.Sum(pubBytes)

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "Provisioning CA: " + name,
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:],
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA cert: %w", err)
	}
	parsedCert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return fmt.Errorf("failed to parse generated CA cert: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	if err := c.Storage.SaveCAMaterial(ctx, certPEM, keyPEM); err != nil {
		return fmt.Errorf("failed to store CA material: %w", err)
	}

	c.material = &Material{Cert: parsedCert, Key: key, CertPEM: certPEM}
	slog.Info("CA bootstrapped", "cn", template.Subject.CommonName, "database", c.Storage.Path())
	return nil
}
