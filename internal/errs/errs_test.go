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

package errs_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/device-provisioner/internal/errs"
)

var _ = Describe("Error", func() {
	Describe("Error()", func() {
		It("prefixes the operation", func() {
			err := errs.E(errs.Validation, "ca.Issue", "common_name is required")
			Expect(err.Error()).To(Equal("ca.Issue: common_name is required"))
		})

		It("falls back to the cause and then to the kind", func() {
			Expect(errs.Wrap(errs.Persistence, "op", errors.New("disk full")).Error()).To(Equal("op: disk full"))
			Expect((&errs.Error{Kind: errs.NotFound}).Error()).To(Equal("not found"))
		})

		It("joins message and cause when both are set", func() {
			err := &errs.Error{Kind: errs.Issuance, Msg: "signing failed", Err: errors.New("bad key")}
			Expect(err.Error()).To(Equal("signing failed: bad key"))
		})
	})

	Describe("Message", func() {
		It("omits the operation", func() {
			err := errs.Errorf(errs.DuplicateResource, "storage.AllocateDevice", "MAC address %s already exists", "AA:BB:CC:DD:EE:01")
			Expect(err.Message()).To(Equal("MAC address AA:BB:CC:DD:EE:01 already exists"))
		})
	})

	Describe("Wrap", func() {
		It("returns nil for a nil cause", func() {
			Expect(errs.Wrap(errs.Persistence, "op", nil)).To(BeNil())
		})

		It("keeps the cause reachable", func() {
			cause := errors.New("locked")
			err := errs.Wrap(errs.Persistence, "op", cause)
			Expect(errors.Is(err, cause)).To(BeTrue())
		})
	})

	Describe("Errorf", func() {
		It("treats %w as the cause", func() {
			sentinel := errors.New("conflict")
			err := errs.Errorf(errs.CapacityExhausted, "op", "retry failed: %w", sentinel)
			Expect(errors.Is(err, sentinel)).To(BeTrue())
		})
	})

	Describe("KindOf", func() {
		It("finds the outermost tagged error through fmt wrapping", func() {
			inner := errs.E(errs.NotFound, "storage.GetIdentity", "missing")
			outer := fmt.Errorf("lookup: %w", inner)
			Expect(errs.KindOf(outer)).To(Equal(errs.NotFound))
			Expect(errs.Is(outer, errs.NotFound)).To(BeTrue())
		})

		It("reports the outer kind when tagged errors nest", func() {
			inner := errs.E(errs.Persistence, "storage", "busy")
			outer := errs.Errorf(errs.CapacityExhausted, "devices.Allocate", "gave up: %w", inner)
			Expect(errs.KindOf(outer)).To(Equal(errs.CapacityExhausted))
		})

		It("returns Other for untagged and nil errors", func() {
			Expect(errs.KindOf(errors.New("plain"))).To(Equal(errs.Other))
			Expect(errs.KindOf(nil)).To(Equal(errs.Other))
			Expect(errs.Is(nil, errs.Other)).To(BeFalse())
		})
	})

	Describe("ErrInvalidCredentials", func() {
		It("matches equivalent values with errors.Is", func() {
			other := &errs.Error{Kind: errs.InvalidCredentials, Msg: "invalid credentials"}
			Expect(errors.Is(other, errs.ErrInvalidCredentials)).To(BeTrue())
		})

		It("does not match a different kind", func() {
			Expect(errors.Is(errs.E(errs.MacMismatch, "op", "invalid credentials"), errs.ErrInvalidCredentials)).To(BeFalse())
		})
	})
})

var _ = DescribeTable("CategoryOf",
	func(kind errs.Kind, want errs.Category) {
		Expect(errs.CategoryOf(kind)).To(Equal(want))
	},
	Entry("validation", errs.Validation, errs.CategoryClientInput),
	Entry("duplicate", errs.DuplicateResource, errs.CategoryConflict),
	Entry("capacity", errs.CapacityExhausted, errs.CategoryCapacity),
	Entry("invalid credentials", errs.InvalidCredentials, errs.CategoryCredential),
	Entry("mac mismatch", errs.MacMismatch, errs.CategoryCredential),
	Entry("not found", errs.NotFound, errs.CategoryNotFound),
	Entry("CA unavailable", errs.CAUnavailable, errs.CategoryInfrastructure),
	Entry("issuance", errs.Issuance, errs.CategoryInfrastructure),
	Entry("persistence", errs.Persistence, errs.CategoryInfrastructure),
	Entry("other", errs.Other, errs.CategoryInfrastructure),
)
