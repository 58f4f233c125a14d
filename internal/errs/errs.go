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

// Package errs defines the error kinds returned by the provisioning core.
//
// Every failure that crosses a package boundary is either an *Error or wraps
// one, so callers can classify it with KindOf or CategoryOf without inspecting
// message text.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the class of a failure.
type Kind int

const (
	Other Kind = iota
	Validation
	DuplicateResource
	CapacityExhausted
	InvalidCredentials
	MacMismatch
	CAUnavailable
	Issuance
	NotFound
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case DuplicateResource:
		return "duplicate resource"
	case CapacityExhausted:
		return "capacity exhausted"
	case InvalidCredentials:
		return "invalid credentials"
	case MacMismatch:
		return "mac address mismatch"
	case CAUnavailable:
		return "CA unavailable"
	case Issuance:
		return "issuance failed"
	case NotFound:
		return "not found"
	case Persistence:
		return "persistence failure"
	}
	return "unknown error"
}

// Category groups kinds by who has to act on them.
type Category string

const (
	CategoryClientInput    Category = "client-input"
	CategoryConflict       Category = "conflict"
	CategoryCapacity       Category = "capacity"
	CategoryCredential     Category = "credential"
	CategoryNotFound       Category = "not-found"
	CategoryInfrastructure Category = "infrastructure"
)

// CategoryOf returns the stable category for k.
func CategoryOf(k Kind) Category {
	switch k {
	case Validation:
		return CategoryClientInput
	case DuplicateResource:
		return CategoryConflict
	case CapacityExhausted:
		return CategoryCapacity
	case InvalidCredentials, MacMismatch:
		return CategoryCredential
	case NotFound:
		return CategoryNotFound
	}
	return CategoryInfrastructure
}

// Error is the tagged error value used throughout the core.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "devices.Allocate".
	Op  string
	Msg string
	// Err is the underlying cause, if any. For Issuance errors it carries the
	// diagnostic from the failing crypto step.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg + ": " + e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the error text without the Op prefix, suitable for clients.
func (e *Error) Message() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Is matches another *Error by Kind and, when set, by Msg. It lets
// errors.Is(err, ErrInvalidCredentials) succeed for any equivalent value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// E builds an *Error for op.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error for op around err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message. A %w verb in format
// becomes the cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrInvalidCredentials is the single value returned for every
// authentication failure so an unknown name and a wrong password are
// indistinguishable.
var ErrInvalidCredentials = &Error{Kind: InvalidCredentials, Op: "identity.Authenticate", Msg: "invalid credentials"}
