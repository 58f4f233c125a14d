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

package devices_test

import (
	"context"
	"fmt"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/devices"
	"github.com/tvaughan/device-provisioner/internal/errs"
	"github.com/tvaughan/device-provisioner/internal/storage"
	"github.com/tvaughan/device-provisioner/internal/testutil"
)

var (
	cachedKeyPEM []byte
	cachedCrtPEM []byte
)

var _ = BeforeSuite(func() {
	var err error
	cachedKeyPEM, cachedCrtPEM, err = testutil.GenerateTestCA()
	Expect(err).NotTo(HaveOccurred())
})

var _ = Describe("Allocator", func() {
	var (
		tmpDir string
		store  *storage.StorageService
		alloc  *devices.Allocator
		ctx    context.Context
	)

	addIdentity := func(id, name string, quantity int) {
		Expect(store.InsertIdentity(ctx, &storage.Identity{
			ID:                id,
			Name:              name,
			CommonName:        name + ".example",
			Quantity:          quantity,
			RemainingQuantity: quantity,
			PasswordHash:      "hash",
		})).To(Succeed())
	}

	remaining := func(id string) int {
		ident, err := store.GetIdentity(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return ident.RemainingQuantity
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		store, tmpDir, err = testutil.OpenStore()
		Expect(err).NotTo(HaveOccurred())
		Expect(testutil.SeedCA(store, cachedKeyPEM, cachedCrtPEM)).To(Succeed())
		alloc = devices.New(store, ca.New(store, "test"))
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Allocate", func() {
		It("binds the device and decrements the quota", func() {
			addIdentity("id-1", "alice", 5)

			a, err := alloc.Allocate(ctx, "AA:BB:CC:DD:EE:01")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Identity.ID).To(Equal("id-1"))
			Expect(a.RemainingQuantity).To(Equal(4))
			Expect(a.Device.MACAddress).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(a.Device.ID).NotTo(BeEmpty())
			Expect(remaining("id-1")).To(Equal(4))
		})

		It("normalizes the MAC so differently written duplicates collide", func() {
			addIdentity("id-1", "alice", 5)

			_, err := alloc.Allocate(ctx, "aa-bb-cc-dd-ee-01")
			Expect(err).NotTo(HaveOccurred())
			_, err = alloc.Allocate(ctx, "AA:BB:CC:DD:EE:01")
			Expect(errs.KindOf(err)).To(Equal(errs.DuplicateResource))
			Expect(remaining("id-1")).To(Equal(4))
		})

		It("rejects malformed MACs before touching the store", func() {
			addIdentity("id-1", "alice", 1)
			for _, mac := range []string{"", "   ", "not-a-mac", "AA:BB:CC:DD:EE", "00:00:5e:00:53:01:02:03"} {
				_, err := alloc.Allocate(ctx, mac)
				Expect(errs.KindOf(err)).To(Equal(errs.Validation), "mac %q", mac)
			}
			Expect(remaining("id-1")).To(Equal(1))
		})

		It("reports CapacityExhausted when nobody has quota", func() {
			_, err := alloc.Allocate(ctx, "AA:BB:CC:DD:EE:01")
			Expect(errs.KindOf(err)).To(Equal(errs.CapacityExhausted))
		})

		It("fills identities in name order, moving on when one is full", func() {
			addIdentity("id-c", "carol", 1)
			addIdentity("id-a", "alice", 1)
			addIdentity("id-b", "bob", 2)

			var owners []string
			for i := 1; i <= 4; i++ {
				a, err := alloc.Allocate(ctx, fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i))
				Expect(err).NotTo(HaveOccurred())
				owners = append(owners, a.Identity.Name)
			}
			Expect(owners).To(Equal([]string{"alice", "bob", "bob", "carol"}))

			_, err := alloc.Allocate(ctx, "AA:BB:CC:DD:EE:05")
			Expect(errs.KindOf(err)).To(Equal(errs.CapacityExhausted))
		})
	})

	Describe("under concurrency", func() {
		It("gives 3 of 5 concurrent callers the last 3 units", func() {
			addIdentity("id-1", "alice", 3)

			const n = 5
			results := make(chan error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := alloc.Allocate(ctx, fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i))
					results <- err
				}(i)
			}
			wg.Wait()
			close(results)

			var ok, exhausted int
			for err := range results {
				switch {
				case err == nil:
					ok++
				case errs.Is(err, errs.CapacityExhausted):
					exhausted++
				default:
					Fail("unexpected error: " + err.Error())
				}
			}
			Expect(ok).To(Equal(3))
			Expect(exhausted).To(Equal(2))
			Expect(remaining("id-1")).To(Equal(0))
		})

		It("lets exactly one of two identical MACs through", func() {
			addIdentity("id-1", "alice", 5)

			results := make(chan error, 2)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := alloc.Allocate(ctx, "AA:BB:CC:DD:EE:01")
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			var ok, dup int
			for err := range results {
				switch {
				case err == nil:
					ok++
				case errs.Is(err, errs.DuplicateResource):
					dup++
				default:
					Fail("unexpected error: " + err.Error())
				}
			}
			Expect(ok).To(Equal(1))
			Expect(dup).To(Equal(1))
			Expect(remaining("id-1")).To(Equal(4))
		})

		It("conserves quota across many identities and callers", func() {
			quotas := map[string]int{"id-a": 2, "id-b": 3, "id-c": 1, "id-d": 4}
			for id, q := range quotas {
				addIdentity(id, "user "+id[3:], q)
			}

			const n = 15
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := alloc.Allocate(ctx, fmt.Sprintf("02:00:00:00:00:%02X", i))
					if err != nil {
						Expect(errs.KindOf(err)).To(Equal(errs.CapacityExhausted))
					}
				}(i)
			}
			wg.Wait()

			total := 0
			for id, q := range quotas {
				ident, err := store.GetIdentity(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(ident.RemainingQuantity).To(BeNumerically(">=", 0))

				count, err := store.CountDevicesByIdentity(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(q - ident.RemainingQuantity).To(Equal(count), "identity %s", id)
				total += count
			}
			Expect(total).To(Equal(10))
		})
	})

	Describe("Lookup", func() {
		It("returns the owner, its devices, the CA and the bundle", func() {
			Expect(store.InsertIdentity(ctx, &storage.Identity{
				ID: "id-1", Name: "alice", CommonName: "alice.example",
				Quantity: 3, RemainingQuantity: 3, PasswordHash: "hash",
				Bundle: &storage.Bundle{PrivateKeyPEM: []byte("KEY"), CertificatePEM: []byte("CRT")},
			})).To(Succeed())
			_, err := alloc.Allocate(ctx, "AA:BB:CC:DD:EE:01")
			Expect(err).NotTo(HaveOccurred())
			_, err = alloc.Allocate(ctx, "AA:BB:CC:DD:EE:02")
			Expect(err).NotTo(HaveOccurred())

			info, err := alloc.Lookup(ctx, "aa:bb:cc:dd:ee:02")
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Identity.CommonName).To(Equal("alice.example"))
			Expect(info.MACAddresses).To(ConsistOf("AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"))
			Expect(info.CACertPEM).To(Equal(cachedCrtPEM))
			Expect(string(info.Bundle.CertificatePEM)).To(Equal("CRT"))
		})

		It("reports NotFound for an unknown device", func() {
			_, err := alloc.Lookup(ctx, "AA:BB:CC:DD:EE:09")
			Expect(errs.KindOf(err)).To(Equal(errs.NotFound))
		})
	})
})

var _ = DescribeTable("NormalizeMAC",
	func(in, want string) {
		got, err := devices.NormalizeMAC(in)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(want))
	},
	Entry("upper colon", "AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:01"),
	Entry("lower colon", "aa:bb:cc:dd:ee:01", "AA:BB:CC:DD:EE:01"),
	Entry("dashes", "aa-bb-cc-dd-ee-01", "AA:BB:CC:DD:EE:01"),
	Entry("dotted", "aabb.ccdd.ee01", "AA:BB:CC:DD:EE:01"),
	Entry("surrounding space", "  aa:bb:cc:dd:ee:01 ", "AA:BB:CC:DD:EE:01"),
)
