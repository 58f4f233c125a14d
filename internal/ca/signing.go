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
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/tvaughan/device-provisioner/internal/errs"
)

const (
	// LeafKeyBits is the RSA modulus size of issued client keys.
	LeafKeyBits = 2048
	// LeafValidityDays is the fixed lifetime of issued client certificates.
	LeafValidityDays = 3650

	maxCommonNameLen = 64
)

var commonNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

// ValidateCommonName returns a Validation error if cn cannot be used as a
// certificate subject. It is shared by the issuance pipeline and registration.
func ValidateCommonName(cn string) error {
	const op = "ca.ValidateCommonName"
	switch {
	case cn == "":
		return errs.E(errs.Validation, op, "common_name is required")
	case len(cn) < 2 || len(cn) > maxCommonNameLen:
		return errs.Errorf(errs.Validation, op, "common_name must be 2-%d characters", maxCommonNameLen)
	case !commonNameRegex.MatchString(cn):
		return errs.Errorf(errs.Validation, op, "invalid common_name %q: must match %s", cn, commonNameRegex)
	}
	return nil
}

// GenerateKeyPair returns a fresh PEM-encoded (PKCS1) RSA private key.
func GenerateKeyPair() ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, LeafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}

// BuildCSR returns a PEM certificate request signed by keyPEM whose subject
// is exactly CN=commonName. No other subject fields or extensions are set.
func BuildCSR(keyPEM []byte, commonName string) ([]byte, error) {
	key, err := parseRSAKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}
	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR for %s: %w", commonName, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}), nil
}

// SignCSR signs csrPEM with m, producing a PEM certificate valid for
// validityDays from now under the given serial. The request's subject is
// copied as-is; no key usage, SAN or basic-constraints extensions are added.
func SignCSR(csrPEM []byte, m *Material, serial *big.Int, validityDays int) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CSR PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}
	if validityDays <= 0 {
		return nil, fmt.Errorf("invalid validity period %d days", validityDays)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, validityDays),
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, m.Cert, csr.PublicKey, m.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate for %s: %w", csr.Subject.CommonName, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes}), nil
}

// sign allocates the next serial and signs csrPEM. Both steps run under
// c.signMu so concurrent issuances never observe the same serial. Material
// reads do not wait on it.
func (c *CA) sign(ctx context.Context, m *Material, csrPEM []byte) ([]byte, int64, error) {
	c.signMu.Lock()
	defer c.signMu.Unlock()

	serial, err := c.Storage.NextSerial(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get serial: %w", err)
	}
	certPEM, err := SignCSR(csrPEM, m, big.NewInt(serial), LeafValidityDays)
	if err != nil {
		return nil, 0, err
	}
	return certPEM, serial, nil
}
