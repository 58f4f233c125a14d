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

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tvaughan/device-provisioner/internal/storage"
)

// newListIdentitiesCmd prints every registered identity with its quota
// usage, read straight from the database (offline).
func newListIdentitiesCmd(fv *flagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "list-identities",
		Short: "List registered identities and their device quota (offline)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, fv)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Verbosity, cfg.LogFile); err != nil {
				return err
			}

			store, err := storage.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			idents, err := store.ListIdentities(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMMON NAME\tNAME\tDEVICES\tREMAINING\tMAC\tCERT")
			for _, ident := range idents {
				n, err := store.CountDevicesByIdentity(cmd.Context(), ident.ID)
				if err != nil {
					return err
				}
				mac, cert := ident.MACAddress, "yes"
				if mac == "" {
					mac = "-"
				}
				if ident.Bundle == nil {
					cert = "no"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
					ident.CommonName, ident.Name, n, ident.Quantity, ident.RemainingQuantity, mac, cert)
			}
			return tw.Flush()
		},
	}
}
