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

package api

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/devices"
	"github.com/tvaughan/device-provisioner/internal/errs"
	"github.com/tvaughan/device-provisioner/internal/identity"
	"github.com/tvaughan/device-provisioner/internal/storage"
)

const maxBodyBytes = 1 << 20

// AuthConfig is the mTLS authorization configuration wired into the server.
// Nil means no mTLS enforcement (plain HTTP / dev mode).
type AuthConfig struct {
	CACert    *x509.Certificate
	AllowList map[string]bool // admin CNs
}

type Server struct {
	CA         *ca.CA
	Identities *identity.Service
	Devices    *devices.Allocator
	AuthConfig *AuthConfig
}

func New(c *ca.CA, ids *identity.Service, devs *devices.Allocator) *Server {
	return &Server{CA: c, Identities: ids, Devices: devs}
}

// Routes registers all handlers and returns the handler (with auth middleware if configured).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	routes := []struct {
		method, path string
		handler      http.HandlerFunc
	}{
		{"POST", "/api/users/register", s.handleRegister},
		{"POST", "/api/users/login", s.handleLogin},
		{"POST", "/api/users/generate-certificate", s.handleGenerateCertificate},
		{"POST", "/api/certificates/generate-certificate", s.handleGenerateCertificate},
		{"GET", "/api/certificates/user-certificate/{common_name}", s.handleGetCertificate},
		{"POST", "/api/devices/add-device", s.handleAddDevice},
		{"GET", "/api/devices/device-info/{macaddress}", s.handleDeviceInfo},
		{"GET", "/api/ca", s.handleGetCA},
	}
	for _, r := range routes {
		mux.HandleFunc(r.method+" "+r.path, r.handler)
	}

	mux.HandleFunc("GET /healthz/live", s.handleLive)
	mux.HandleFunc("GET /healthz/ready", s.handleReady)
	mux.HandleFunc("GET /healthz/startup", s.handleStartup)

	return newAuthMiddleware(s.AuthConfig, mux)
}

// --- helpers ---

type errorResponse struct {
	Error    string        `json:"error"`
	Category errs.Category `json:"category"`
}

// statusFor maps an error to an HTTP status by its category.
func statusFor(err error) int {
	kind := errs.KindOf(err)
	if kind == errs.CAUnavailable {
		return http.StatusServiceUnavailable
	}
	switch errs.CategoryOf(kind) {
	case errs.CategoryClientInput:
		return http.StatusBadRequest
	case errs.CategoryConflict, errs.CategoryCapacity:
		return http.StatusConflict
	case errs.CategoryCredential:
		return http.StatusUnauthorized
	case errs.CategoryNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports err to the client. Infrastructure failures are logged
// and replaced by a generic message; everything else is returned verbatim.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := errs.KindOf(err)
	resp := errorResponse{Error: err.Error(), Category: errs.CategoryOf(kind)}

	var tagged *errs.Error
	if errors.As(err, &tagged) {
		resp.Error = tagged.Message()
	}
	if resp.Category == errs.CategoryInfrastructure {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if kind == errs.CAUnavailable {
			resp.Error = "CA not available"
		} else {
			resp.Error = "Internal Server Error"
		}
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errs.Errorf(errs.Validation, "api.decode", "invalid request body: %w", err)
	}
	return nil
}

type userSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
}

func summarize(ident *storage.Identity) userSummary {
	return userSummary{ID: ident.ID, Name: ident.Name, CommonName: ident.CommonName}
}

func bundleStrings(b *storage.Bundle) (key, crt *string) {
	if b == nil {
		return nil, nil
	}
	k, c := string(b.PrivateKeyPEM), string(b.CertificatePEM)
	return &k, &c
}

// --- Users ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body identity.Registration
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Debug("POST register", "common_name", body.CommonName)

	ident, err := s.Identities.Register(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered and certificate generated",
		"user":    summarize(ident),
	})
}

type LoginBody struct {
	CommonName string `json:"common_name"`
	Password   string `json:"password"`
	MACAddress string `json:"mac_address,omitempty"`
}

type LoginUser struct {
	userSummary
	MACAddress   *string  `json:"mac_address"`
	MACAddresses []string `json:"mac_addresses"`
	CACert       string   `json:"ca_cert"`
	ClientKey    *string  `json:"client_key"`
	ClientCrt    *string  `json:"client_crt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body LoginBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if len(body.CommonName) < 2 || body.Password == "" {
		writeError(w, r, errs.E(errs.Validation, "api.login", "common_name and password are required"))
		return
	}

	res, err := s.Identities.Authenticate(r.Context(), body.CommonName, body.Password, body.MACAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user := LoginUser{
		userSummary:  summarize(&res.Identity),
		MACAddresses: res.MACAddresses,
		CACert:       string(res.CACertPEM),
	}
	if res.Identity.MACAddress != "" {
		user.MACAddress = &res.Identity.MACAddress
	}
	user.ClientKey, user.ClientCrt = bundleStrings(res.Bundle)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user":    user,
	})
}

// --- Certificates ---

type GenerateBody struct {
	CommonName string `json:"common_name"`
}

func (s *Server) handleGenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var body GenerateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Debug("POST generate-certificate", "common_name", body.CommonName)

	ident, err := s.Identities.GenerateCertificate(r.Context(), body.CommonName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Certificate generated and stored successfully",
		"user":    summarize(ident),
	})
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cn := r.PathValue("common_name")
	slog.Debug("GET user-certificate", "common_name", cn)

	b, err := s.Identities.Certificate(r.Context(), cn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"common_name": cn,
		"client_key":  string(b.PrivateKeyPEM),
		"client_crt":  string(b.CertificatePEM),
	})
}

func (s *Server) handleGetCA(w http.ResponseWriter, r *http.Request) {
	m, err := s.CA.Material(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(m.CertPEM)
}

// --- Devices ---

type AddDeviceBody struct {
	MACAddress string `json:"macaddress"`
}

type deviceRow struct {
	ID         string `json:"id"`
	MACAddress string `json:"macaddress"`
	UserID     string `json:"userid"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var body AddDeviceBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Debug("POST add-device", "mac", body.MACAddress)

	alloc, err := s.Devices.Allocate(r.Context(), body.MACAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Device assigned successfully",
		"device": []deviceRow{{
			ID:         alloc.Device.ID,
			MACAddress: alloc.Device.MACAddress,
			UserID:     alloc.Device.IdentityID,
			CreatedAt:  alloc.Device.CreatedAt.Format(time.RFC3339),
		}},
		"assignedTo":         alloc.Identity.Name,
		"remaining_quantity": alloc.RemainingQuantity,
	})
}

type DeviceInfoResponse struct {
	UserID       string   `json:"userid"`
	Name         string   `json:"name"`
	CommonName   string   `json:"common_name"`
	MACAddresses []string `json:"macaddresses"`
	CACert       string   `json:"ca_cert"`
	ClientKey    *string  `json:"client_key"`
	ClientCrt    *string  `json:"client_crt"`
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("macaddress")
	slog.Debug("GET device-info", "mac", mac)

	info, err := s.Devices.Lookup(r.Context(), mac)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := DeviceInfoResponse{
		UserID:       info.Identity.ID,
		Name:         info.Identity.Name,
		CommonName:   info.Identity.CommonName,
		MACAddresses: info.MACAddresses,
		CACert:       string(info.CACertPEM),
	}
	resp.ClientKey, resp.ClientCrt = bundleStrings(info.Bundle)
	writeJSON(w, http.StatusOK, resp)
}
