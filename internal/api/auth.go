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
	"log/slog"
	"net/http"
	"strings"
)

type authTier int

const (
	tierPublic      authTier = iota // no client cert required
	tierAnyClient                   // any cert signed by this CA
	tierSelfOrAdmin                 // own cert or an admin CN
	tierAdminOnly                   // admin CN only
)

// newAuthMiddleware returns an http.Handler that wraps next with mTLS authorization.
// If cfg is nil (no TLS configured) all requests pass through unconditionally,
// preserving plain HTTP / dev-mode compatibility.
func newAuthMiddleware(cfg *AuthConfig, next http.Handler) http.Handler {
	if cfg == nil {
		return next
	}

	pool := x509.NewCertPool()
	pool.AddCert(cfg.CACert)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := lookupTier(r.Method, r.URL.Path)

		if tier == tierPublic {
			next.ServeHTTP(w, r)
			return
		}

		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusForbidden)
			return
		}

		clientCert := r.TLS.PeerCertificates[0]

		// Issued client certificates carry no extended key usage, so any
		// usage is accepted here; the chain to our CA is what matters.
		if _, err := clientCert.Verify(x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			slog.Debug("Auth: client cert verification failed",
				"cn", clientCert.Subject.CommonName, "error", err)
			http.Error(w, "access denied", http.StatusForbidden)
			return
		}

		clientCN := clientCert.Subject.CommonName

		switch tier {
		case tierAnyClient:
			next.ServeHTTP(w, r)

		case tierSelfOrAdmin:
			subject := extractPathSubject(r.URL.Path)
			if cfg.AllowList[clientCN] || (subject != "" && clientCN == subject) {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "access denied", http.StatusForbidden)
			}

		case tierAdminOnly:
			if cfg.AllowList[clientCN] {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "access denied", http.StatusForbidden)
			}

		default:
			http.Error(w, "access denied", http.StatusForbidden)
		}
	})
}

// lookupTier classifies a request into an authorization tier based on method and path.
func lookupTier(method, path string) authTier {
	switch {
	// Public: devices log in and fetch the CA before they hold a client cert.
	case method == "POST" && path == "/api/users/login":
		return tierPublic
	case method == "GET" && path == "/api/ca":
		return tierPublic
	case method == "GET" && strings.HasPrefix(path, "/healthz/"):
		return tierPublic

	case method == "GET" && strings.HasPrefix(path, "/api/devices/device-info/"):
		return tierAnyClient
	case method == "GET" && strings.HasPrefix(path, "/api/certificates/user-certificate/"):
		return tierSelfOrAdmin

	// Admin only: registration, issuance and device assignment.
	default:
		return tierAdminOnly
	}
}

// extractPathSubject returns the {common_name} segment from certificate paths.
func extractPathSubject(path string) string {
	const prefix = "/api/certificates/user-certificate/"
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return ""
}
