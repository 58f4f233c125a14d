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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/device-provisioner/internal/api"
	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/devices"
	"github.com/tvaughan/device-provisioner/internal/identity"
	"github.com/tvaughan/device-provisioner/internal/storage"
	"github.com/tvaughan/device-provisioner/internal/testutil"
)

const goodPassword = "Sup3r$ecret"

var (
	cachedKeyPEM []byte
	cachedCrtPEM []byte
)

var _ = BeforeSuite(func() {
	var err error
	cachedKeyPEM, cachedCrtPEM, err = testutil.GenerateTestCA()
	Expect(err).NotTo(HaveOccurred())
})

// newServer wires a Server over a fresh store. When seed is set the store is
// pre-seeded with the suite CA.
func newServer(dir string, seed bool) (*api.Server, *storage.StorageService) {
	store, err := storage.Open(dir + "/provisioner.db")
	Expect(err).NotTo(HaveOccurred())
	if seed {
		Expect(testutil.SeedCA(store, cachedKeyPEM, cachedCrtPEM)).To(Succeed())
	}
	myCA := ca.New(store, "test")
	Expect(myCA.Init(context.Background())).To(Succeed())

	return api.New(
		myCA,
		identity.New(store, myCA, identity.NewBcryptHasher(bcrypt.MinCost)),
		devices.New(store, myCA),
	), store
}

func doJSON(mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode(rr *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	Expect(json.Unmarshal(rr.Body.Bytes(), &out)).To(Succeed(), rr.Body.String())
	return out
}

func registerBody(name, cn string, quantity int) map[string]any {
	return map[string]any{"name": name, "common_name": cn, "quantity": quantity, "password": goodPassword}
}

var _ = Describe("API Workflow", func() {
	var (
		tmpDir string
		store  *storage.StorageService
		mux    http.Handler
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "provisioner-api-test")
		Expect(err).NotTo(HaveOccurred())
		var server *api.Server
		server, store = newServer(tmpDir, true)
		mux = server.Routes()
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	// ── Register ──────────────────────────────────────────────────────────────

	Describe("POST /api/users/register", func() {
		It("creates the identity and returns 201", func() {
			rr := doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 5))
			Expect(rr.Code).To(Equal(http.StatusCreated))
			resp := decode(rr)
			Expect(resp["message"]).To(Equal("User registered and certificate generated"))
			user := resp["user"].(map[string]any)
			Expect(user["common_name"]).To(Equal("alice.example"))
			Expect(user["id"]).NotTo(BeEmpty())
		})

		It("returns 409 for a taken common name", func() {
			Expect(doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 1)).Code).
				To(Equal(http.StatusCreated))
			rr := doJSON(mux, "POST", "/api/users/register", registerBody("Other", "alice.example", 1))
			Expect(rr.Code).To(Equal(http.StatusConflict))
			resp := decode(rr)
			Expect(resp["error"]).To(Equal("User with this common name already exists"))
			Expect(resp["category"]).To(Equal("conflict"))
		})

		It("returns 400 for invalid input", func() {
			rr := doJSON(mux, "POST", "/api/users/register", map[string]any{
				"name": "Alice", "common_name": "alice.example", "quantity": 0, "password": goodPassword,
			})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rr)["category"]).To(Equal("client-input"))
		})

		It("returns 400 for a malformed body", func() {
			req := httptest.NewRequest("POST", "/api/users/register", bytes.NewReader([]byte("{not json")))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})
	})

	// ── Login ─────────────────────────────────────────────────────────────────

	Describe("POST /api/users/login", func() {
		BeforeEach(func() {
			Expect(doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 5)).Code).
				To(Equal(http.StatusCreated))
		})

		It("returns the credential bundle and binds the MAC", func() {
			rr := doJSON(mux, "POST", "/api/users/login", map[string]string{
				"common_name": "alice.example", "password": goodPassword, "mac_address": "aa:bb:cc:dd:ee:01",
			})
			Expect(rr.Code).To(Equal(http.StatusOK))
			resp := decode(rr)
			Expect(resp["message"]).To(Equal("Login successful"))
			user := resp["user"].(map[string]any)
			Expect(user["mac_address"]).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(user["ca_cert"]).To(Equal(string(cachedCrtPEM)))
			Expect(user["client_key"]).To(ContainSubstring("RSA PRIVATE KEY"))
			Expect(user["client_crt"]).To(ContainSubstring("CERTIFICATE"))
			Expect(user["mac_addresses"]).To(BeEmpty())
		})

		It("returns identical 401 responses for unknown names and wrong passwords", func() {
			unknown := doJSON(mux, "POST", "/api/users/login", map[string]string{
				"common_name": "nobody.example", "password": goodPassword,
			})
			wrong := doJSON(mux, "POST", "/api/users/login", map[string]string{
				"common_name": "alice.example", "password": "Wr0ng$pass",
			})
			Expect(unknown.Code).To(Equal(http.StatusUnauthorized))
			Expect(wrong.Code).To(Equal(http.StatusUnauthorized))
			Expect(unknown.Body.String()).To(Equal(wrong.Body.String()))
		})

		It("returns 401 for a MAC that does not match the bound one", func() {
			Expect(doJSON(mux, "POST", "/api/users/login", map[string]string{
				"common_name": "alice.example", "password": goodPassword, "mac_address": "AA:BB:CC:DD:EE:01",
			}).Code).To(Equal(http.StatusOK))

			rr := doJSON(mux, "POST", "/api/users/login", map[string]string{
				"common_name": "alice.example", "password": goodPassword, "mac_address": "AA:BB:CC:DD:EE:02",
			})
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			Expect(decode(rr)["error"]).To(Equal("MAC address does not match registered device"))
		})

		It("returns 400 when fields are missing", func() {
			rr := doJSON(mux, "POST", "/api/users/login", map[string]string{"common_name": "alice.example"})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})
	})

	// ── Certificates ──────────────────────────────────────────────────────────

	Describe("certificate endpoints", func() {
		BeforeEach(func() {
			Expect(doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 5)).Code).
				To(Equal(http.StatusCreated))
		})

		It("GET user-certificate returns the stored bundle", func() {
			rr := doJSON(mux, "GET", "/api/certificates/user-certificate/alice.example", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			resp := decode(rr)
			Expect(resp["common_name"]).To(Equal("alice.example"))

			cert, err := testutil.ParseCert([]byte(resp["client_crt"].(string)))
			Expect(err).NotTo(HaveOccurred())
			Expect(cert.Subject.CommonName).To(Equal("alice.example"))
		})

		It("GET user-certificate returns 404 for unknown names", func() {
			rr := doJSON(mux, "GET", "/api/certificates/user-certificate/nobody.example", nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("generate-certificate replaces the bundle under both paths", func() {
			first := decode(doJSON(mux, "GET", "/api/certificates/user-certificate/alice.example", nil))

			for _, path := range []string{"/api/certificates/generate-certificate", "/api/users/generate-certificate"} {
				rr := doJSON(mux, "POST", path, map[string]string{"common_name": "alice.example"})
				Expect(rr.Code).To(Equal(http.StatusOK), path)
				Expect(decode(rr)["message"]).To(Equal("Certificate generated and stored successfully"))
			}

			second := decode(doJSON(mux, "GET", "/api/certificates/user-certificate/alice.example", nil))
			Expect(second["client_key"]).NotTo(Equal(first["client_key"]))
		})

		It("generate-certificate returns 404 for unknown names", func() {
			rr := doJSON(mux, "POST", "/api/certificates/generate-certificate", map[string]string{"common_name": "nobody.example"})
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("GET /api/ca returns the CA certificate", func() {
			rr := doJSON(mux, "GET", "/api/ca", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.Bytes()).To(Equal(cachedCrtPEM))
		})
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	Describe("device endpoints", func() {
		It("assigns devices until the quota runs out", func() {
			Expect(doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 1)).Code).
				To(Equal(http.StatusCreated))

			rr := doJSON(mux, "POST", "/api/devices/add-device", map[string]string{"macaddress": "AA:BB:CC:DD:EE:01"})
			Expect(rr.Code).To(Equal(http.StatusCreated))
			resp := decode(rr)
			Expect(resp["message"]).To(Equal("Device assigned successfully"))
			Expect(resp["assignedTo"]).To(Equal("Alice"))
			Expect(resp["remaining_quantity"]).To(BeNumerically("==", 0))
			rows := resp["device"].([]any)
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].(map[string]any)["macaddress"]).To(Equal("AA:BB:CC:DD:EE:01"))

			rr = doJSON(mux, "POST", "/api/devices/add-device", map[string]string{"macaddress": "AA:BB:CC:DD:EE:01"})
			Expect(rr.Code).To(Equal(http.StatusConflict))
			Expect(decode(rr)["category"]).To(Equal("conflict"))

			rr = doJSON(mux, "POST", "/api/devices/add-device", map[string]string{"macaddress": "AA:BB:CC:DD:EE:02"})
			Expect(rr.Code).To(Equal(http.StatusConflict))
			Expect(decode(rr)["category"]).To(Equal("capacity"))
		})

		It("returns 400 for a malformed MAC", func() {
			rr := doJSON(mux, "POST", "/api/devices/add-device", map[string]string{"macaddress": "nope"})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("device-info returns the owner and its devices", func() {
			Expect(doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 2)).Code).
				To(Equal(http.StatusCreated))
			for _, mac := range []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"} {
				Expect(doJSON(mux, "POST", "/api/devices/add-device", map[string]string{"macaddress": mac}).Code).
					To(Equal(http.StatusCreated))
			}

			rr := doJSON(mux, "GET", "/api/devices/device-info/AA:BB:CC:DD:EE:02", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			var info api.DeviceInfoResponse
			Expect(json.Unmarshal(rr.Body.Bytes(), &info)).To(Succeed())
			Expect(info.CommonName).To(Equal("alice.example"))
			Expect(info.MACAddresses).To(ConsistOf("AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"))
			Expect(info.CACert).To(Equal(string(cachedCrtPEM)))
			Expect(info.ClientCrt).NotTo(BeNil())
		})

		It("device-info returns 404 for an unknown device", func() {
			rr := doJSON(mux, "GET", "/api/devices/device-info/AA:BB:CC:DD:EE:09", nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("hands out exactly the available quota under concurrent requests", func() {
			Expect(doJSON(mux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 3)).Code).
				To(Equal(http.StatusCreated))

			const n = 5
			codes := make(chan int, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					rr := doJSON(mux, "POST", "/api/devices/add-device",
						map[string]string{"macaddress": fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)})
					codes <- rr.Code
				}(i)
			}
			wg.Wait()
			close(codes)

			tally := map[int]int{}
			for c := range codes {
				tally[c]++
			}
			Expect(tally).To(Equal(map[int]int{http.StatusCreated: 3, http.StatusConflict: 2}))
		})
	})

	// ── CA unavailable ────────────────────────────────────────────────────────

	Describe("without CA material", func() {
		var (
			bareDir   string
			bareStore *storage.StorageService
			bareMux   http.Handler
		)

		BeforeEach(func() {
			var err error
			bareDir, err = os.MkdirTemp("", "provisioner-api-noca")
			Expect(err).NotTo(HaveOccurred())
			var server *api.Server
			server, bareStore = newServer(bareDir, false)
			bareMux = server.Routes()
		})

		AfterEach(func() {
			bareStore.Close()
			os.RemoveAll(bareDir)
		})

		It("returns 503 with a generic message", func() {
			rr := doJSON(bareMux, "POST", "/api/users/register", registerBody("Alice", "alice.example", 1))
			Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
			resp := decode(rr)
			Expect(resp["error"]).To(Equal("CA not available"))
			Expect(resp["category"]).To(Equal("infrastructure"))

			Expect(doJSON(bareMux, "GET", "/api/ca", nil).Code).To(Equal(http.StatusServiceUnavailable))
		})
	})
})
