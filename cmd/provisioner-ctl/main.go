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

// provisioner-ctl is an operator and device CLI for the provisioner server.
//
//	register, login, generate-certificate, get-certificate,
//	add-device, device-info, ca
//
// Usage:
//
//	provisioner-ctl [global-flags] <subcommand> [subcommand-flags]
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ---------- HTTP client ----------

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func newClient(cfg *ctlConfig) (*Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCertPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading --ca-cert %s: %w", cfg.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCertPEM) {
			return nil, fmt.Errorf("parsing --ca-cert %s: no certificates found", cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	} else {
		// No CA cert provided: skip TLS verification (useful for self-signed dev certs).
		tlsCfg.InsecureSkipVerify = true //nolint:gosec
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading --client-cert/--client-key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &Client{
		BaseURL: strings.TrimRight(cfg.ServerURL, "/"),
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   30 * time.Second,
		},
	}, nil
}

// do sends a request and returns the body of a 2xx response. Any other status
// is turned into an error carrying the server's error message.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	slog.Debug("Request", "method", method, "path", path)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp.StatusCode, respBody, method, path)
	}
	return respBody, nil
}

func httpError(code int, body []byte, method, path string) error {
	var e struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Category != "" {
			return fmt.Errorf("HTTP %d on %s %s: %s (%s)", code, method, path, e.Error, e.Category)
		}
		return fmt.Errorf("HTTP %d on %s %s: %s", code, method, path, e.Error)
	}
	return fmt.Errorf("HTTP %d on %s %s: %s", code, method, path, strings.TrimSpace(string(body)))
}

// ---------- helpers ----------

func printTable(w io.Writer, rows [][2]string) {
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-*s  %s\n", width, r[0], r[1])
	}
}

// saveBundle writes whichever PEMs are present into outDir as
// <cn>_key.pem, <cn>_crt.pem and ca.pem.
func saveBundle(w io.Writer, outDir, cn string, key, crt *string, caPEM string) error {
	files := []struct {
		name string
		data *string
		perm os.FileMode
	}{
		{cn + "_key.pem", key, 0600},
		{cn + "_crt.pem", crt, 0644},
		{"ca.pem", &caPEM, 0644},
	}
	for _, f := range files {
		if f.data == nil || *f.data == "" {
			continue
		}
		p := filepath.Join(outDir, f.name)
		if err := os.WriteFile(p, []byte(*f.data), f.perm); err != nil {
			return fmt.Errorf("saving %s: %w", p, err)
		}
		fmt.Fprintf(w, "Saved %s\n", p)
	}
	return nil
}

type userSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
}

// ---------- subcommands ----------

func newRegisterCmd(client func() (*Client, error)) *cobra.Command {
	var name, commonName, password string
	var quantity int

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an identity and issue its first certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("PROVISIONER_CTL_PASSWORD")
			}
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodPost, "/api/users/register", map[string]any{
				"name":        name,
				"common_name": commonName,
				"quantity":    quantity,
				"password":    password,
			})
			if err != nil {
				return err
			}
			var res struct {
				User userSummary `json:"user"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("register: could not parse response: %w", err)
			}
			printTable(cmd.OutOrStdout(), [][2]string{
				{"id", res.User.ID},
				{"name", res.User.Name},
				{"common_name", res.User.CommonName},
			})
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Display name (letters and spaces)")
	f.StringVar(&commonName, "common-name", "", "Certificate common name")
	f.IntVar(&quantity, "quantity", 1, "Number of devices this identity may own")
	f.StringVar(&password, "password", "", "Password (or set PROVISIONER_CTL_PASSWORD)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("common-name")
	return cmd
}

func newLoginCmd(client func() (*Client, error)) *cobra.Command {
	var commonName, password, mac, outDir string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate, bind a MAC address and download the credential bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("PROVISIONER_CTL_PASSWORD")
			}
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodPost, "/api/users/login", map[string]string{
				"common_name": commonName,
				"password":    password,
				"mac_address": mac,
			})
			if err != nil {
				return err
			}
			var res struct {
				User struct {
					userSummary
					MACAddress   *string  `json:"mac_address"`
					MACAddresses []string `json:"mac_addresses"`
					CACert       string   `json:"ca_cert"`
					ClientKey    *string  `json:"client_key"`
					ClientCrt    *string  `json:"client_crt"`
				} `json:"user"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("login: could not parse response: %w", err)
			}
			bound := "(none)"
			if res.User.MACAddress != nil {
				bound = *res.User.MACAddress
			}
			out := cmd.OutOrStdout()
			printTable(out, [][2]string{
				{"common_name", res.User.CommonName},
				{"mac_address", bound},
				{"devices", strings.Join(res.User.MACAddresses, ", ")},
			})
			return saveBundle(out, outDir, res.User.CommonName, res.User.ClientKey, res.User.ClientCrt, res.User.CACert)
		},
	}
	f := cmd.Flags()
	f.StringVar(&commonName, "common-name", "", "Identity common name")
	f.StringVar(&password, "password", "", "Password (or set PROVISIONER_CTL_PASSWORD)")
	f.StringVar(&mac, "mac", "", "MAC address to bind on first login")
	f.StringVar(&outDir, "out-dir", ".", "Directory to save the key, certificate and CA")
	_ = cmd.MarkFlagRequired("common-name")
	return cmd
}

func newGenerateCmd(client func() (*Client, error)) *cobra.Command {
	var commonName string

	cmd := &cobra.Command{
		Use:   "generate-certificate",
		Short: "Issue a fresh certificate for an existing identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if _, err := c.do(cmd.Context(), http.MethodPost, "/api/certificates/generate-certificate",
				map[string]string{"common_name": commonName}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated certificate for %s\n", commonName)
			return nil
		},
	}
	cmd.Flags().StringVar(&commonName, "common-name", "", "Identity common name")
	_ = cmd.MarkFlagRequired("common-name")
	return cmd
}

func newGetCertificateCmd(client func() (*Client, error)) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "get-certificate <common-name>",
		Short: "Download the stored key and certificate of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodGet,
				"/api/certificates/user-certificate/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			var res struct {
				ClientKey string `json:"client_key"`
				ClientCrt string `json:"client_crt"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("get-certificate: could not parse response: %w", err)
			}
			return saveBundle(cmd.OutOrStdout(), outDir, args[0], &res.ClientKey, &res.ClientCrt, "")
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "Directory to save the key and certificate")
	return cmd
}

func newAddDeviceCmd(client func() (*Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "add-device <mac-address>",
		Short: "Allocate a device to the first identity with spare quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodPost, "/api/devices/add-device",
				map[string]string{"macaddress": args[0]})
			if err != nil {
				return err
			}
			var res struct {
				AssignedTo string `json:"assignedTo"`
				Remaining  int    `json:"remaining_quantity"`
				Device     []struct {
					ID         string `json:"id"`
					MACAddress string `json:"macaddress"`
				} `json:"device"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("add-device: could not parse response: %w", err)
			}
			rows := [][2]string{
				{"assigned_to", res.AssignedTo},
				{"remaining", fmt.Sprint(res.Remaining)},
			}
			if len(res.Device) > 0 {
				rows = append(rows, [2]string{"device_id", res.Device[0].ID}, [2]string{"mac", res.Device[0].MACAddress})
			}
			printTable(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func newDeviceInfoCmd(client func() (*Client, error)) *cobra.Command {
	var outDir string
	var save bool

	cmd := &cobra.Command{
		Use:   "device-info <mac-address>",
		Short: "Show the identity owning a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodGet,
				"/api/devices/device-info/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			var res struct {
				UserID       string   `json:"userid"`
				Name         string   `json:"name"`
				CommonName   string   `json:"common_name"`
				MACAddresses []string `json:"macaddresses"`
				CACert       string   `json:"ca_cert"`
				ClientKey    *string  `json:"client_key"`
				ClientCrt    *string  `json:"client_crt"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("device-info: could not parse response: %w", err)
			}
			out := cmd.OutOrStdout()
			printTable(out, [][2]string{
				{"userid", res.UserID},
				{"name", res.Name},
				{"common_name", res.CommonName},
				{"devices", strings.Join(res.MACAddresses, ", ")},
			})
			if !save {
				return nil
			}
			return saveBundle(out, outDir, res.CommonName, res.ClientKey, res.ClientCrt, res.CACert)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&save, "save", false, "Save the credential bundle")
	f.StringVar(&outDir, "out-dir", ".", "Directory used with --save")
	return cmd
}

func newCACmd(client func() (*Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ca",
		Short: "Print the CA certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodGet, "/api/ca", nil)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
}

// ---------- main ----------

func newRootCmd() *cobra.Command {
	var (
		configFile string
		flagCfg    ctlConfig
	)

	root := &cobra.Command{
		Use:           "provisioner-ctl",
		Short:         "Manage identities and devices on a provisioner server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// client resolves config lazily so every subcommand sees the parsed
	// global flags.
	client := func() (*Client, error) {
		cfg, err := loadCtlConfig(resolveConfigFile(configFile, "PROVISIONER_CTL_CONFIG",
			"/etc/provisioner/ctl.yaml"))
		if err != nil {
			return nil, err
		}
		pf := root.PersistentFlags()
		if pf.Changed("server-url") {
			cfg.ServerURL = flagCfg.ServerURL
		}
		if pf.Changed("ca-cert") {
			cfg.CACert = flagCfg.CACert
		}
		if pf.Changed("client-cert") {
			cfg.ClientCert = flagCfg.ClientCert
		}
		if pf.Changed("client-key") {
			cfg.ClientKey = flagCfg.ClientKey
		}
		if pf.Changed("verbose") {
			cfg.Verbose = flagCfg.Verbose
		}
		if cfg.Verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
		return newClient(cfg)
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to YAML config file (default: /etc/provisioner/ctl.yaml if it exists)")
	pf.StringVar(&flagCfg.ServerURL, "server-url", "https://localhost:5000", "provisioner server URL")
	pf.StringVar(&flagCfg.CACert, "ca-cert", "", "Path to CA cert PEM for TLS verification (omit to skip verify)")
	pf.StringVar(&flagCfg.ClientCert, "client-cert", "", "Path to client certificate PEM for mTLS")
	pf.StringVar(&flagCfg.ClientKey, "client-key", "", "Path to client private key PEM for mTLS")
	pf.BoolVar(&flagCfg.Verbose, "verbose", false, "Enable verbose logging")

	root.AddCommand(
		newRegisterCmd(client),
		newLoginCmd(client),
		newGenerateCmd(client),
		newGetCertificateCmd(client),
		newAddDeviceCmd(client),
		newDeviceInfoCmd(client),
		newCACmd(client),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
