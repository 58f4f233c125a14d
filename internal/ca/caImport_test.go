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

package ca_test

import (
	"context"
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/storage"
	"github.com/tvaughan/device-provisioner/internal/testutil"
)

var _ = Describe("ImportCA", func() {
	var (
		tmpDir string
		store  *storage.StorageService
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		store, tmpDir, err = testutil.OpenStore()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	It("stores the cert and key so a CA can load them", func() {
		m, err := ca.ImportCA(ctx, store, cachedCrtPEM, cachedKeyPEM)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Cert.Subject.CommonName).To(Equal("Provisioning CA: Test"))

		row, err := store.FetchCAMaterial(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(row.CertificatePEM).To(Equal(cachedCrtPEM))
		Expect(row.PrivateKeyPEM).To(Equal(cachedKeyPEM))

		myCA := ca.New(store, "test")
		Expect(myCA.Init(ctx)).To(Succeed())
		Expect(myCA.Ready(ctx)).To(BeTrue())
	})

	It("accepts single-line PEM with escaped newlines", func() {
		flatCrt := strings.ReplaceAll(string(cachedCrtPEM), "\n", `\n`)
		flatKey := strings.ReplaceAll(string(cachedKeyPEM), "\n", `\n`)
		_, err := ca.ImportCA(ctx, store, []byte(flatCrt), []byte(flatKey))
		Expect(err).NotTo(HaveOccurred())

		row, err := store.FetchCAMaterial(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(row.CertificatePEM).To(Equal(cachedCrtPEM))
	})

	It("does not reset the serial counter", func() {
		Expect(testutil.SeedCA(store, cachedKeyPEM, cachedCrtPEM)).To(Succeed())
		for i := 0; i < 3; i++ {
			_, err := store.NextSerial(ctx)
			Expect(err).NotTo(HaveOccurred())
		}

		_, err := ca.ImportCA(ctx, store, cachedCrtPEM, cachedKeyPEM)
		Expect(err).NotTo(HaveOccurred())
		serial, err := store.NextSerial(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(serial).To(Equal(int64(4)))
	})

	It("rejects a cert/key mismatch and stores nothing", func() {
		_, altCertPEM, err := testutil.GenerateTestCA()
		Expect(err).NotTo(HaveOccurred())

		_, err = ca.ImportCA(ctx, store, altCertPEM, cachedKeyPEM)
		Expect(err).To(MatchError(ContainSubstring("does not match")))

		has, err := store.HasCAMaterial(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(has).To(BeFalse())
	})

	It("rejects a non-CA certificate", func() {
		Expect(testutil.SeedCA(store, cachedKeyPEM, cachedCrtPEM)).To(Succeed())
		myCA := ca.New(store, "test")
		leaf, err := myCA.Issue(ctx, "leaf-for-import-test")
		Expect(err).NotTo(HaveOccurred())

		other, otherDir, err := testutil.OpenStore()
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(otherDir)
		defer other.Close()

		_, err = ca.ImportCA(ctx, other, leaf.CertificatePEM, leaf.PrivateKeyPEM)
		Expect(err).To(MatchError(ContainSubstring("IsCA")))
	})

	It("replaces existing material", func() {
		Expect(testutil.SeedCA(store, cachedKeyPEM, cachedCrtPEM)).To(Succeed())
		altKey, altCrt, err := testutil.GenerateTestCA()
		Expect(err).NotTo(HaveOccurred())

		_, err = ca.ImportCA(ctx, store, altCrt, altKey)
		Expect(err).NotTo(HaveOccurred())
		row, err := store.FetchCAMaterial(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(row.CertificatePEM).To(Equal(altCrt))
	})
})
