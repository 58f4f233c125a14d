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

const identityColumns = `id, name, common_name, quantity, remaining_quantity, password_hash,
	mac_address, client_key, client_crt, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var (
		ident         Identity
		mac, key, crt sql.NullString
	)
	if err := row.Scan(
		&ident.ID, &ident.Name, &ident.CommonName, &ident.Quantity, &ident.RemainingQuantity,
		&ident.PasswordHash, &mac, &key, &crt, &ident.CreatedAt, &ident.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ident.MACAddress = mac.String
	if key.Valid && crt.Valid {
		ident.Bundle = &Bundle{PrivateKeyPEM: []byte(key.String), CertificatePEM: []byte(crt.String)}
	}
	return &ident, nil
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

// InsertIdentity inserts ident, filling in timestamps. A bundle, when present,
// is written in the same statement. A taken common name is reported as
// DuplicateResource.
func (s *StorageService) InsertIdentity(ctx context.Context, ident *Identity) error {
	const op = "storage.InsertIdentity"

	now := time.Now().UTC()
	ident.CreatedAt, ident.UpdatedAt = now, now

	var key, crt sql.NullString
	if ident.Bundle != nil {
		key, crt = nullBytes(ident.Bundle.PrivateKeyPEM), nullBytes(ident.Bundle.CertificatePEM)
	}
	mac := sql.NullString{String: ident.MACAddress, Valid: ident.MACAddress != ""}

	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (id, name, common_name, quantity, remaining_quantity,
				password_hash, mac_address, client_key, client_crt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ident.ID, ident.Name, ident.CommonName, ident.Quantity, ident.RemainingQuantity,
			ident.PasswordHash, mac, key, crt, ident.CreatedAt, ident.UpdatedAt)
		return classify(op, err)
	})
}

// FindIdentityByCommonName returns the identity registered under cn, or a
// NotFound error.
func (s *StorageService) FindIdentityByCommonName(ctx context.Context, cn string) (*Identity, error) {
	const op = "storage.FindIdentityByCommonName"
	ident, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE common_name = ?`, cn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "no identity with common name %q", cn)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return ident, nil
}

// GetIdentity returns the identity with the given id, or a NotFound error.
func (s *StorageService) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	const op = "storage.GetIdentity"
	ident, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "no identity with id %q", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return ident, nil
}

// ListIdentities returns every identity ordered by name.
func (s *StorageService) ListIdentities(ctx context.Context) ([]Identity, error) {
	const op = "storage.ListIdentities"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY name ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *ident)
	}
	return out, classify(op, rows.Err())
}

// UpdateIdentityBundle replaces the bundle stored for cn and returns the
// updated identity. The previous bundle is overwritten and not retained.
func (s *StorageService) UpdateIdentityBundle(ctx context.Context, cn string, b Bundle) (*Identity, error) {
	const op = "storage.UpdateIdentityBundle"

	var ident *Identity
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE identities SET client_key = ?, client_crt = ?, updated_at = ?
			WHERE common_name = ?
		`, nullBytes(b.PrivateKeyPEM), nullBytes(b.CertificatePEM), time.Now().UTC(), cn)
		if err != nil {
			return classify(op, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return classify(op, err)
		} else if n == 0 {
			return errs.Errorf(errs.NotFound, op, "no identity with common name %q", cn)
		}

		ident, err = scanIdentity(tx.QueryRowContext(ctx,
			`SELECT `+identityColumns+` FROM identities WHERE common_name = ?`, cn))
		return classify(op, err)
	})
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// FetchBundle returns the bundle currently stored for cn. A missing identity
// and an identity that was never issued a bundle are both NotFound.
func (s *StorageService) FetchBundle(ctx context.Context, cn string) (*Bundle, error) {
	const op = "storage.FetchBundle"
	ident, err := s.FindIdentityByCommonName(ctx, cn)
	if err != nil {
		return nil, err
	}
	if ident.Bundle == nil {
		return nil, errs.Errorf(errs.NotFound, op, "no certificate issued for %q", cn)
	}
	return ident.Bundle, nil
}

// BindMACAddress sets the identity's MAC address only if it is still unset.
// It reports whether this call performed the binding.
func (s *StorageService) BindMACAddress(ctx context.Context, identityID, mac string) (bool, error) {
	const op = "storage.BindMACAddress"

	var bound bool
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE identities SET mac_address = ?, updated_at = ?
			WHERE id = ? AND mac_address IS NULL
		`, mac, time.Now().UTC(), identityID)
		if err != nil {
			return classify(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(op, err)
		}
		bound = n == 1
		return nil
	})
	return bound, err
}
