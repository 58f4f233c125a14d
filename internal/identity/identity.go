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

// Package identity registers identities, re-issues their certificates and
// authenticates them.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/devices"
	"github.com/tvaughan/device-provisioner/internal/errs"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

type Service struct {
	Store  *storage.StorageService
	CA     *ca.CA
	Hasher PasswordHasher

	dummyOnce sync.Once
	dummyHash string
}

func New(store *storage.StorageService, c *ca.CA, hasher PasswordHasher) *Service {
	return &Service{Store: store, CA: c, Hasher: hasher}
}

// Register creates an identity with its full quota and a freshly issued
// bundle. The certificate is issued before anything is written and the
// identity row is inserted together with the bundle, so a failed issuance
// leaves no identity behind and a concurrent registration of the same common
// name fails with DuplicateResource.
func (s *Service) Register(ctx context.Context, r Registration) (*storage.Identity, error) {
	const op = "identity.Register"

	if err := r.Validate(); err != nil {
		return nil, err
	}

	_, err := s.Store.FindIdentityByCommonName(ctx, r.CommonName)
	switch {
	case err == nil:
		return nil, errs.E(errs.DuplicateResource, op, "User with this common name already exists")
	case !errs.Is(err, errs.NotFound):
		return nil, err
	}

	hash, err := s.Hasher.Hash(r.Password)
	if err != nil {
		return nil, errs.Wrap(errs.Other, op, err)
	}

	bundle, err := s.CA.Issue(ctx, r.CommonName)
	if err != nil {
		return nil, err
	}

	ident := &storage.Identity{
		ID:                uuid.NewString(),
		Name:              strings.TrimSpace(r.Name),
		CommonName:        r.CommonName,
		Quantity:          r.Quantity,
		RemainingQuantity: r.Quantity,
		PasswordHash:      hash,
		Bundle:            bundle,
	}
	if err := s.Store.InsertIdentity(ctx, ident); err != nil {
		return nil, err
	}

	slog.Info("Identity registered", "common_name", ident.CommonName, "quantity", ident.Quantity)
	return ident, nil
}

// GenerateCertificate issues a new bundle for an existing identity and
// stores it in place of the previous one.
func (s *Service) GenerateCertificate(ctx context.Context, commonName string) (*storage.Identity, error) {
	if err := ca.ValidateCommonName(commonName); err != nil {
		return nil, err
	}
	if _, err := s.Store.FindIdentityByCommonName(ctx, commonName); err != nil {
		return nil, err
	}

	bundle, err := s.CA.Issue(ctx, commonName)
	if err != nil {
		return nil, err
	}
	return s.Store.UpdateIdentityBundle(ctx, commonName, *bundle)
}

// Certificate returns the bundle currently stored for commonName.
func (s *Service) Certificate(ctx context.Context, commonName string) (*storage.Bundle, error) {
	if err := ca.ValidateCommonName(commonName); err != nil {
		return nil, err
	}
	return s.Store.FetchBundle(ctx, commonName)
}

// AuthResult is what a successful login hands back to the device.
type AuthResult struct {
	Identity     storage.Identity
	CACertPEM    []byte
	Bundle       *storage.Bundle
	MACAddresses []string
}

// Authenticate checks password for commonName. An unknown common name and a
// wrong password both return errs.ErrInvalidCredentials and cost the same
// bcrypt work.
//
// When the identity has no MAC address yet and mac is given, the first
// successful login binds it; the binding never changes afterwards. Once bound,
// a login that presents a different MAC (or none) fails with MacMismatch.
func (s *Service) Authenticate(ctx context.Context, commonName, password, mac string) (*AuthResult, error) {
	const op = "identity.Authenticate"

	ident, err := s.Store.FindIdentityByCommonName(ctx, commonName)
	if errs.Is(err, errs.NotFound) {
		s.Hasher.Verify(password, s.dummy())
		return nil, errs.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.Hasher.Verify(password, ident.PasswordHash) {
		slog.Debug("Login rejected", "common_name", commonName)
		return nil, errs.ErrInvalidCredentials
	}

	if mac != "" {
		if mac, err = devices.NormalizeMAC(mac); err != nil {
			return nil, err
		}
	}

	m, err := s.CA.Material(ctx)
	if err != nil {
		return nil, err
	}

	if ident.MACAddress == "" && mac != "" {
		bound, err := s.Store.BindMACAddress(ctx, ident.ID, mac)
		if err != nil {
			return nil, err
		}
		if bound {
			ident.MACAddress = mac
			slog.Info("MAC address bound", "common_name", commonName, "mac", mac)
		} else if ident, err = s.Store.GetIdentity(ctx, ident.ID); err != nil {
			return nil, err
		}
	}
	if ident.MACAddress != "" && ident.MACAddress != mac {
		slog.Debug("Login rejected: MAC mismatch", "common_name", commonName)
		return nil, errs.E(errs.MacMismatch, op, "MAC address does not match registered device")
	}

	devs, err := s.Store.ListDevicesByIdentity(ctx, ident.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		Identity:     *ident,
		CACertPEM:    m.CertPEM,
		Bundle:       ident.Bundle,
		MACAddresses: devices.MACs(devs),
	}, nil
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.Hasher.Hash(uuid.NewString())
	})
	return s.dummyHash
}
