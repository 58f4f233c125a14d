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

// Package devices binds physical devices, identified by MAC address, to
// identities with spare quota.
package devices

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/errs"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

// NormalizeMAC parses a 48-bit MAC address in any form net.ParseMAC accepts
// and returns it as upper-case, colon-separated hex.
func NormalizeMAC(mac string) (string, error) {
	const op = "devices.NormalizeMAC"
	if strings.TrimSpace(mac) == "" {
		return "", errs.E(errs.Validation, op, "MAC address is required")
	}
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return "", errs.Errorf(errs.Validation, op, "invalid MAC address %q", mac)
	}
	return strings.ToUpper(hw.String()), nil
}

// Store is the persistence the allocator needs. *storage.StorageService
// implements it.
type Store interface {
	AllocateDevice(ctx context.Context, deviceID, mac string) (*storage.Allocation, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*storage.Device, error)
	GetIdentity(ctx context.Context, id string) (*storage.Identity, error)
	ListDevicesByIdentity(ctx context.Context, identityID string) ([]storage.Device, error)
}

type Allocator struct {
	Store Store
	CA    *ca.CA
}

func New(store Store, c *ca.CA) *Allocator {
	return &Allocator{Store: store, CA: c}
}

// Allocate binds mac to the first identity by name that still has quota and
// consumes one unit of it. The check, selection, insert and decrement commit
// together or not at all. A commit-time conflict is retried once; if it
// happens again the caller sees CapacityExhausted (or Persistence when the
// database stayed locked).
func (a *Allocator) Allocate(ctx context.Context, mac string) (*storage.Allocation, error) {
	const op = "devices.Allocate"

	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	var alloc *storage.Allocation
	for attempt := 0; attempt < 2; attempt++ {
		alloc, err = a.Store.AllocateDevice(ctx, uuid.NewString(), mac)
		if err == nil {
			break
		}
		if !retryable(err) {
			return nil, err
		}
		slog.Debug("Allocation conflict", "mac", mac, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		if errors.Is(err, storage.ErrBusy) {
			return nil, err
		}
		return nil, errs.Errorf(errs.CapacityExhausted, op, "could not reserve quota for %s: %w", mac, err)
	}

	slog.Info("Device assigned",
		"mac", mac,
		"common_name", alloc.Identity.CommonName,
		"remaining_quantity", alloc.RemainingQuantity,
	)
	return alloc, nil
}

func retryable(err error) bool {
	return errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrBusy)
}

// Info is everything a device needs to authenticate as its owner.
type Info struct {
	Identity     storage.Identity
	MACAddresses []string
	CACertPEM    []byte
	Bundle       *storage.Bundle
}

// Lookup returns the owner of mac together with the owner's devices, the CA
// certificate and the owner's current bundle.
func (a *Allocator) Lookup(ctx context.Context, mac string) (*Info, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	dev, err := a.Store.GetDeviceByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	ident, err := a.Store.GetIdentity(ctx, dev.IdentityID)
	if err != nil {
		return nil, err
	}
	devs, err := a.Store.ListDevicesByIdentity(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	m, err := a.CA.Material(ctx)
	if err != nil {
		return nil, err
	}

	return &Info{
		Identity:     *ident,
		MACAddresses: MACs(devs),
		CACertPEM:    m.CertPEM,
		Bundle:       ident.Bundle,
	}, nil
}

// MACs returns the MAC addresses of devs in order.
func MACs(devs []storage.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.MACAddress
	}
	return out
}
