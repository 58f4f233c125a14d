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
	"fmt"

	"github.com/tvaughan/device-provisioner/internal/storage"
)

// ImportCA validates an external CA cert/key pair and writes it to the store,
// replacing any existing CA material. Literal "\n" escapes are accepted so
// material copied from single-line environment variables imports unchanged.
//
// This is an offline operation; no server is required.
func ImportCA(ctx context.Context, store *storage.StorageService, certPEM, keyPEM []byte) (*Material, error) {
	certPEM, keyPEM = UnescapePEM(certPEM), UnescapePEM(keyPEM)

	m, err := ParseMaterial(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if err := store.SaveCAMaterial(ctx, certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("failed to store CA material: %w", err)
	}
	return m, nil
}
