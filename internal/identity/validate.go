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

package identity

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/tvaughan/device-provisioner/internal/ca"
	"github.com/tvaughan/device-provisioner/internal/errs"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z ]+$`)

// Registration is the input to Register.
type Registration struct {
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
	Quantity   int    `json:"quantity"`
	Password   string `json:"password"`
}

// Validate checks the registration fields and returns the first problem as a
// Validation error.
func (r Registration) Validate() error {
	const op = "identity.Validate"

	name := strings.TrimSpace(r.Name)
	switch {
	case len(name) < 2 || len(name) > 50:
		return errs.E(errs.Validation, op, "name must be 2-50 characters")
	case !nameRegex.MatchString(name):
		return errs.E(errs.Validation, op, "Name must only contain letters and spaces")
	}

	if err := ca.ValidateCommonName(r.CommonName); err != nil {
		return err
	}

	if r.Quantity < 1 {
		return errs.E(errs.Validation, op, "quantity must be a positive integer")
	}

	return validatePassword(r.Password)
}

func validatePassword(pw string) error {
	const op = "identity.Validate"
	if len(pw) < 8 {
		return errs.E(errs.Validation, op, "password must be at least 8 characters")
	}
	if len(pw) > 72 {
		// bcrypt ignores everything past 72 bytes.
		return errs.E(errs.Validation, op, "password must be at most 72 bytes")
	}

	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !upper:
		return errs.E(errs.Validation, op, "Must contain an uppercase letter")
	case !lower:
		return errs.E(errs.Validation, op, "Must contain a lowercase letter")
	case !digit:
		return errs.E(errs.Validation, op, "Must contain a digit")
	case !special:
		return errs.E(errs.Validation, op, "Must contain a special character")
	}
	return nil
}
