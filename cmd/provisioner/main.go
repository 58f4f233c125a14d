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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tvaughan/device-provisioner/internal/api"
	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/devices"
	"github.com/tvaughan/device-provisioner/internal/identity"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

// isLoopback reports whether host is a loopback address (127.x.x.x, ::1, or
// "localhost"). Plain HTTP is only safe when the server cannot be reached from
// outside the local process.
func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

// setupLogging installs the default slog handler for verbosity and logFile.
func setupLogging(verbosity int, logFile string) error {
	var logLevel slog.Level
	switch verbosity {
	case 0:
		logLevel = slog.LevelInfo
	case 1:
		logLevel = slog.LevelDebug
	default:
		logLevel = slog.Level(-8) // Trace
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		logHandler = slog.NewJSONHandler(f, opts)
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(logHandler))
	return nil
}

// flagValues carries the raw CLI flags shared by every subcommand.
type flagValues struct {
	configFile    string
	database      string
	host          string
	port          int
	caName        string
	bootstrapCA   bool
	verbosity     int
	logFile       string
	tlsCert       string
	tlsKey        string
	admins        string
	noTLSRequired bool
	bcryptCost    int
}

// resolveConfig loads file/env config and applies explicitly-set CLI flags
// (highest precedence).
func resolveConfig(cmd *cobra.Command, fv *flagValues) (*serverConfig, error) {
	resolved := resolveConfigFile(fv.configFile, "PROVISIONER_CONFIG", "/etc/provisioner/config.yaml")
	cfg, err := loadServerConfig(resolved)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("database") {
		cfg.Database = fv.database
	}
	if flags.Changed("host") {
		cfg.Host = fv.host
	}
	if flags.Changed("port") {
		cfg.Port = fv.port
	}
	if flags.Changed("ca-name") {
		cfg.CAName = fv.caName
	}
	if flags.Changed("bootstrap-ca") {
		cfg.BootstrapCA = fv.bootstrapCA
	}
	if flags.Changed("verbosity") {
		cfg.Verbosity = fv.verbosity
	}
	if flags.Changed("logfile") {
		cfg.LogFile = fv.logFile
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = fv.tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = fv.tlsKey
	}
	if flags.Changed("admins") {
		cfg.Admins = fv.admins
	}
	if flags.Changed("no-tls-required") {
		cfg.NoTLSRequired = fv.noTLSRequired
	}
	if flags.Changed("bcrypt-cost") {
		cfg.BcryptCost = fv.bcryptCost
	}

	if cfg.Database == "" {
		return nil, fmt.Errorf("--database is required (or set PROVISIONER_DATABASE / database in config file)")
	}
	if cfg.Database != storage.MemoryPath {
		if cfg.Database, err = filepath.Abs(cfg.Database); err != nil {
			return nil, fmt.Errorf("resolving --database: %w", err)
		}
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *serverConfig) error {
	slog.Info("Starting provisioner",
		"database", cfg.Database,
		"host", cfg.Host,
		"port", cfg.Port,
		"verbosity", cfg.Verbosity,
	)

	// --- TLS enforcement ---
	// Plain HTTP over a non-loopback interface exposes passwords and issued
	// private keys to any on-path host. Refuse to start unless:
	//   (a) TLS is configured (--tls-cert + --tls-key), or
	//   (b) the bind address is loopback-only, or
	//   (c) the operator explicitly opts out with --no-tls-required.
	tlsConfigured := cfg.TLSCert != "" && cfg.TLSKey != ""
	if !tlsConfigured {
		if !isLoopback(cfg.Host) && !cfg.NoTLSRequired {
			return fmt.Errorf("refusing to start: plain HTTP on a non-loopback address exposes credentials; " +
				"enable TLS (--tls-cert / --tls-key), restrict to loopback (--host 127.0.0.1), " +
				"or explicitly opt out with --no-tls-required")
		}
		if cfg.NoTLSRequired && !isLoopback(cfg.Host) {
			slog.Warn("TLS is not configured on a non-loopback address; " +
				"only use --no-tls-required behind a trusted TLS proxy or in test environments.")
		}
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	myCA := ca.New(store, cfg.CAName)
	myCA.Bootstrap = cfg.BootstrapCA
	if err := myCA.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialise CA: %w", err)
	}

	srv := api.New(
		myCA,
		identity.New(store, myCA, identity.NewBcryptHasher(cfg.BcryptCost)),
		devices.New(store, myCA),
	)

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if tlsConfigured {
		serverCert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS cert/key: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}

		// mTLS admin enforcement needs the CA certificate to verify clients.
		m, err := myCA.Material(ctx)
		if err != nil {
			return fmt.Errorf("TLS with client authorization requires CA material: %w", err)
		}
		srv.AuthConfig = &api.AuthConfig{CACert: m.Cert, AllowList: cfg.adminList()}
		server.TLSConfig = tlsCfg
		slog.Info("TLS enabled", "cert", cfg.TLSCert, "admins", len(srv.AuthConfig.AllowList))
	}
	server.Handler = srv.Routes()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "address", addr)
		if tlsConfigured {
			errCh <- server.ListenAndServeTLS("", "")
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func main() {
	var fv flagValues

	cmd := &cobra.Command{
		Use:          "provisioner",
		Short:        "Client certificate and device allocation server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, &fv)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Verbosity, cfg.LogFile); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&fv.configFile, "config", "", "Path to YAML config file (default: /etc/provisioner/config.yaml if it exists)")
	pf.StringVar(&fv.database, "database", "", "Path to the sqlite database (or set PROVISIONER_DATABASE)")
	pf.StringVar(&fv.caName, "ca-name", "provisioner", "Name used in the CN of a bootstrapped CA certificate")
	pf.IntVarP(&fv.verbosity, "verbosity", "v", 0, "Verbosity: 0=Info 1=Debug 2=Trace")
	pf.StringVar(&fv.logFile, "logfile", "", "Log to file instead of stderr")

	f := cmd.Flags()
	f.StringVar(&fv.host, "host", "0.0.0.0", "Address to listen on")
	f.IntVar(&fv.port, "port", 5000, "Port to listen on")
	f.BoolVar(&fv.bootstrapCA, "bootstrap-ca", false, "Generate a self-signed CA on startup when none is stored")
	f.StringVar(&fv.tlsCert, "tls-cert", "", "Path to TLS server certificate PEM (enables HTTPS)")
	f.StringVar(&fv.tlsKey, "tls-key", "", "Path to TLS server private key PEM (enables HTTPS)")
	f.StringVar(&fv.admins, "admins", "", "Comma-separated list of client certificate CNs allowed admin access")
	f.BoolVar(&fv.noTLSRequired, "no-tls-required", false, "Allow plain HTTP on non-loopback addresses (use only behind a trusted TLS proxy or in test environments)")
	f.IntVar(&fv.bcryptCost, "bcrypt-cost", 10, "bcrypt cost for password hashes")

	cmd.AddCommand(newInitCACmd(&fv), newImportCACmd(&fv), newListIdentitiesCmd(&fv))

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
