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
	"os"

	"github.com/spf13/cobra"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

// newInitCACmd bootstraps a self-signed CA into the database (offline).
func newInitCACmd(fv *flagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "init-ca",
		Short: "Generate and store a new self-signed CA (offline)",
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

			myCA := ca.New(store, cfg.CAName)
			myCA.Bootstrap = true
			if err := myCA.Init(cmd.Context()); err != nil {
				return err
			}
			m, err := myCA.Material(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA ready in %s (CN: %s)\n", cfg.Database, m.Cert.Subject.CommonName)
			return nil
		},
	}
}

// newImportCACmd stores an external CA cert/key pair in the database (offline).
func newImportCACmd(fv *flagValues) *cobra.Command {
	var (
		certPath, keyPath string
		fromEnv           bool
	)

	cmd := &cobra.Command{
		Use:   "import-ca",
		Short: "Import an external CA certificate and key (offline)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, fv)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Verbosity, cfg.LogFile); err != nil {
				return err
			}

			certPEM, keyPEM, err := readCAInput(certPath, keyPath, fromEnv)
			if err != nil {
				return err
			}

			store, err := storage.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			m, err := ca.ImportCA(cmd.Context(), store, certPEM, keyPEM)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA imported into %s (CN: %s)\n", cfg.Database, m.Cert.Subject.CommonName)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&certPath, "cert", "", "Path to CA certificate PEM")
	f.StringVar(&keyPath, "key", "", "Path to CA private key PEM (PKCS1 or PKCS8)")
	f.BoolVar(&fromEnv, "from-env", false, "Read the PEMs from the CA_CERT and CA_KEY environment variables")
	return cmd
}

func readCAInput(certPath, keyPath string, fromEnv bool) ([]byte, []byte, error) {
	if fromEnv {
		certPEM, keyPEM := os.Getenv("CA_CERT"), os.Getenv("CA_KEY")
		if certPEM == "" || keyPEM == "" {
			return nil, nil, fmt.Errorf("import: CA_CERT and CA_KEY must both be set with --from-env")
		}
		return []byte(certPEM), []byte(keyPEM), nil
	}

	if certPath == "" || keyPath == "" {
		return nil, nil, fmt.Errorf("import: --cert and --key are required (or use --from-env)")
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("import: reading --cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("import: reading --key: %w", err)
	}
	return certPEM, keyPEM, nil
}
