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

// AllocateDevice binds mac to the identity that sorts first by name among
// those with remaining capacity, inserts the device row and decrements that
// identity's remaining quantity, all in one write transaction.
//
// Failures leave nothing behind:
//   - mac already bound → DuplicateResource
//   - no identity with capacity → CapacityExhausted
//   - the conditional decrement matched no row → Persistence wrapping ErrConflict
//   - the write lock timed out → Persistence wrapping ErrBusy
func (s *StorageService) AllocateDevice(ctx context.Context, deviceID, mac string) (*Allocation, error) {
	const op = "storage.AllocateDevice"

	var alloc *Allocation
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM devices WHERE macaddress = ?`, mac).Scan(&existing)
		switch {
		case err == nil:
			return errs.Errorf(errs.DuplicateResource, op, "MAC address %s already exists", mac)
		case !errors.Is(err, sql.ErrNoRows):
			return classify(op, err)
		}

		ident, err := scanIdentity(tx.QueryRowContext(ctx, `
			SELECT `+identityColumns+` FROM identities
			WHERE remaining_quantity > 0
			ORDER BY name ASC, created_at ASC, id ASC
			LIMIT 1
		`))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.E(errs.CapacityExhausted, op, "no identities available with remaining quantity")
		}
		if err != nil {
			return classify(op, err)
		}

		now := time.Now().UTC()
		dev := Device{ID: deviceID, MACAddress: mac, IdentityID: ident.ID, CreatedAt: now}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (id, macaddress, userid, created_at) VALUES (?, ?, ?, ?)
		`, dev.ID, dev.MACAddress, dev.IdentityID, dev.CreatedAt); err != nil {
			return classify(op, err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE identities SET remaining_quantity = remaining_quantity - 1, updated_at = ?
			WHERE id = ? AND remaining_quantity > 0
		`, now, ident.ID)
		if err != nil {
			return classify(op, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return classify(op, err)
		} else if n != 1 {
			return errs.Wrap(errs.Persistence, op, ErrConflict)
		}

		ident.RemainingQuantity--
		ident.UpdatedAt = now
		alloc = &Allocation{Device: dev, Identity: *ident, RemainingQuantity: ident.RemainingQuantity}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// GetDeviceByMAC returns the device bound to mac, or a NotFound error.
func (s *StorageService) GetDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	const op = "storage.GetDeviceByMAC"
	var dev Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, macaddress, userid, created_at FROM devices WHERE macaddress = ?`, mac,
	).Scan(&dev.ID, &dev.MACAddress, &dev.IdentityID, &dev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "device %s not found", mac)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &dev, nil
}

// ListDevicesByIdentity returns the devices owned by identityID, oldest first.
func (s *StorageService) ListDevicesByIdentity(ctx context.Context, identityID string) ([]Device, error) {
	const op = "storage.ListDevicesByIdentity"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, macaddress, userid, created_at FROM devices
		WHERE userid = ? ORDER BY created_at ASC, id ASC
	`, identityID)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		var dev Device
		if err := rows.Scan(&dev.ID, &dev.MACAddress, &dev.IdentityID, &dev.CreatedAt); err != nil {
			return nil, classify(op, err)
		}
		devices = append(devices, dev)
	}
	return devices, classify(op, rows.Err())
}

// CountDevicesByIdentity returns how many devices identityID owns.
func (s *StorageService) CountDevicesByIdentity(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE userid = ?`, identityID).Scan(&n)
	return n, classify("storage.CountDevicesByIdentity", err)
}
