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
	"errors"
	"log/slog"

	"github.com/tvaughan/device-provisioner/internal/errs"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

// Bundle is an issued private key and certificate for one common name.
type Bundle = storage.Bundle

// Issue creates a fresh 2048-bit key for commonName, builds a CSR for it and
// signs it with the CA. Key generation and CSR construction run without any
// lock; only serial allocation and signing are serialized.
//
// Nothing is persisted except the serial counter: storing the bundle is the
// caller's job, so a failure here never leaves a partial bundle behind.
func (c *CA) Issue(ctx context.Context, commonName string) (*Bundle, error) {
	const op = "ca.Issue"

	if err := ValidateCommonName(commonName); err != nil {
		return nil, err
	}
	m, err := c.Material(ctx)
	if err != nil {
		return nil, err
	}

	slog.Debug("Issuing certificate", "common_name", commonName)

	keyPEM, err := GenerateKeyPair()
	if err != nil {
		return nil, errs.Wrap(errs.Issuance, op, err)
	}
	csrPEM, err := BuildCSR(keyPEM, commonName)
	if err != nil {
		return nil, errs.Wrap(errs.Issuance, op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Issuance, op, err)
	}

	certPEM, serial, err := c.sign(ctx, m, csrPEM)
	if err != nil {
		var tagged *errs.Error
		if errors.As(err, &tagged) {
			return nil, err
		}
		return nil, errs.Wrap(errs.Issuance, op, err)
	}

	slog.Info("Certificate issued", "common_name", commonName, "serial", serial)
	return &Bundle{PrivateKeyPEM: keyPEM, CertificatePEM: certPEM}, nil
}
