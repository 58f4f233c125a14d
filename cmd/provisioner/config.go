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
	"strings"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"
)

const envPrefix = "PROVISIONER_"

// serverConfig holds all configuration for the provisioner server.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type serverConfig struct {
	Database      string `yaml:"database" env:"DATABASE"`
	Host          string `yaml:"host" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	CAName        string `yaml:"ca_name" env:"CA_NAME"`
	BootstrapCA   bool   `yaml:"bootstrap_ca" env:"BOOTSTRAP_CA"`
	Verbosity     int    `yaml:"verbosity" env:"VERBOSITY"`
	LogFile       string `yaml:"logfile" env:"LOGFILE"`
	TLSCert       string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey        string `yaml:"tls_key" env:"TLS_KEY"`
	Admins        string `yaml:"admins" env:"ADMINS"`
	NoTLSRequired bool   `yaml:"no_tls_required" env:"NO_TLS_REQUIRED"`
	BcryptCost    int    `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
}

// loadServerConfig applies built-in defaults, optionally loads a YAML config
// file, then overlays PROVISIONER_* environment variables. configFile may be
// "" to skip file loading.
func loadServerConfig(configFile string) (*serverConfig, error) {
	cfg := &serverConfig{
		Database:   "/var/lib/provisioner/provisioner.db",
		Host:       "0.0.0.0",
		Port:       5000,
		CAName:     "provisioner",
		BcryptCost: 10,
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      envPrefix,
		Environment: nonEmptyEnv(),
	}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// nonEmptyEnv returns the process environment without empty variables, so an
// exported-but-empty variable leaves the file/default value alone.
func nonEmptyEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// adminList splits the comma-separated admin CN list.
func (c *serverConfig) adminList() map[string]bool {
	allow := map[string]bool{}
	for _, cn := range strings.Split(c.Admins, ",") {
		if cn = strings.TrimSpace(cn); cn != "" {
			allow[cn] = true
		}
	}
	return allow
}

// resolveConfigFile returns the config file path to use:
// cliFlag → envVar → defaultPath (if it exists) → "".
func resolveConfigFile(cliFlag, envVar, defaultPath string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}
