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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tvaughan/device-provisioner/internal/errs"
)

const (
	FilePermPrivate = 0640
	FilePermPublic  = 0644
	DirPerm         = 0750

	// MemoryPath opens a private in-memory database (tests, dry runs).
	MemoryPath = ":memory:"

	defaultBusyTimeout = 5 * time.Second
)

var (
	// ErrConflict means a conditional write matched no row because a
	// concurrent transaction got there first. The whole unit was rolled back.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrBusy means the database write lock could not be taken in time.
	ErrBusy = errors.New("database is busy")
)

// Bundle is a PEM private key and the CA-signed certificate issued for it.
type Bundle struct {
	PrivateKeyPEM  []byte
	CertificatePEM []byte
}

// Identity is one row of the identities table.
type Identity struct {
	ID                string
	Name              string
	CommonName        string
	Quantity          int
	RemainingQuantity int
	PasswordHash      string
	// MACAddress is empty until the first login binds a device.
	MACAddress string
	// Bundle is nil until the first issuance.
	Bundle    *Bundle
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is one row of the devices table.
type Device struct {
	ID         string
	MACAddress string
	IdentityID string
	CreatedAt  time.Time
}

// Allocation is the committed result of AllocateDevice.
type Allocation struct {
	Device            Device
	Identity          Identity
	RemainingQuantity int
}

// CAMaterial is the singleton signing certificate and key.
type CAMaterial struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	NextSerial     int64
	UpdatedAt      time.Time
}

type StorageService struct {
	path string
	db   *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies the
// schema. Every transaction begins with BEGIN IMMEDIATE, so a transaction
// holds the database write lock from its first statement and concurrent
// writers queue behind it for up to the busy timeout.
func Open(path string) (*StorageService, error) {
	s := &StorageService{path: path}
	if err := s.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
		path, defaultBusyTimeout.Milliseconds())
}

// EnsureDirs creates the directory holding the database file.
func (s *StorageService) EnsureDirs() error {
	if s.path == MemoryPath {
		return nil
	}
	return os.MkdirAll(filepath.Dir(s.path), DirPerm)
}

// Path returns the database file path.
func (s *StorageService) Path() string {
	return s.path
}

func (s *StorageService) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *StorageService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *StorageService) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		common_name        TEXT NOT NULL UNIQUE,
		quantity           INTEGER NOT NULL CHECK (quantity >= 1),
		remaining_quantity INTEGER NOT NULL
			CHECK (remaining_quantity >= 0 AND remaining_quantity <= quantity),
		password_hash      TEXT NOT NULL,
		mac_address        TEXT,
		client_key         TEXT,
		client_crt         TEXT,
		created_at         DATETIME NOT NULL,
		updated_at         DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id         TEXT PRIMARY KEY,
		macaddress TEXT NOT NULL UNIQUE,
		userid     TEXT NOT NULL REFERENCES identities(id),
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ca (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		ca_cert     TEXT NOT NULL,
		ca_key      TEXT NOT NULL,
		next_serial INTEGER NOT NULL CHECK (next_serial >= 1),
		updated_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_identities_allocation ON identities(remaining_quantity, name, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_devices_userid ON devices(userid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// classify turns a driver error into a tagged error for op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return errs.Errorf(errs.DuplicateResource, op, "resource already exists: %w", err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return errs.Errorf(errs.Persistence, op, "%w: %w", ErrBusy, err)
		}
	}
	return errs.Wrap(errs.Persistence, op, err)
}

// withTx runs fn in a write transaction, committing on success and rolling
// back on any error or panic.
func (s *StorageService) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
