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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tvaughan/device-provisioner/internal/errs"
)

// FetchCAMaterial returns the stored CA certificate and key, or a
// CAUnavailable error when none has been initialised or imported.
func (s *StorageService) FetchCAMaterial(ctx context.Context) (*CAMaterial, error) {
	const op = "storage.FetchCAMaterial"
	var (
		m            CAMaterial
		certPEM, key string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ca_cert, ca_key, next_serial, updated_at FROM ca WHERE id = 1`,
	).Scan(&certPEM, &key, &m.NextSerial, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.CAUnavailable, op, "CA cert/key not found in database")
	}
	if err != nil {
		return nil, classify(op, err)
	}
	m.CertificatePEM, m.PrivateKeyPEM = []byte(certPEM), []byte(key)
	return &m, nil
}

// HasCAMaterial reports whether a CA row exists.
func (s *StorageService) HasCAMaterial(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ca WHERE id = 1`).Scan(&n)
	return n > 0, classify("storage.HasCAMaterial", err)
}

// SaveCAMaterial writes the CA certificate and key, replacing any existing
// material. The serial counter is kept so serials never repeat.
func (s *StorageService) SaveCAMaterial(ctx context.Context, certPEM, keyPEM []byte) error {
	const op = "storage.SaveCAMaterial"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ca (id, ca_cert, ca_key, next_serial, updated_at) VALUES (1, ?, ?, 1, ?)
			ON CONFLICT (id) DO UPDATE SET
				ca_cert = excluded.ca_cert,
				ca_key = excluded.ca_key,
				updated_at = excluded.updated_at
		`, string(certPEM), string(keyPEM), time.Now().UTC())
		return classify(op, err)
	})
}

// NextSerial consumes and returns the next certificate serial number.
func (s *StorageService) NextSerial(ctx context.Context) (int64, error) {
	const op = "storage.NextSerial"
	var serial int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE ca SET next_serial = next_serial + 1 WHERE id = 1
			RETURNING next_serial - 1
		`).Scan(&serial)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.E(errs.CAUnavailable, op, "CA cert/key not found in database")
		}
		return classify(op, err)
	})
	return serial, err
}
