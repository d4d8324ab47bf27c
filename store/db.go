// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/techno-hippies/dotheaven-sub017/lib/codec"
	"github.com/techno-hippies/dotheaven-sub017/lib/secret"
)

// ErrNotFound reports that no database file exists for the identity
// yet. Callers treat it as "start from an empty snapshot".
var ErrNotFound = errors.New("store: database not found")

// DB is the encrypted database for one identity. It is a handle, not
// an open file: Load and Save each perform a complete read or write.
//
// DB methods are not safe for concurrent use; the owning service
// serializes access.
type DB struct {
	path        string
	address     string
	addressHash [32]byte
	key         *secret.Buffer
	logger      *slog.Logger
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Address returns the lowercased identity address this database
// belongs to.
func (db *DB) Address() string {
	return db.address
}

// Load reads, decrypts, and decodes the snapshot. Returns ErrNotFound
// when the file does not exist.
func (db *DB) Load() (*Snapshot, error) {
	fileBytes, err := os.ReadFile(db.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading database: %w", err)
	}

	plaintext, err := decryptDatabase(fileBytes, db.key, db.addressHash)
	if err != nil {
		return nil, fmt.Errorf("decrypting database %s: %w", filepath.Base(db.path), err)
	}

	payload, err := decodePayload(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decoding database %s: %w", filepath.Base(db.path), err)
	}

	var snapshot Snapshot
	if err := codec.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	if snapshot.Address != db.address {
		return nil, fmt.Errorf("snapshot address %q does not match database %q", snapshot.Address, db.address)
	}

	if snapshot.Messages == nil {
		snapshot.Messages = make(map[string][]Message)
	}
	if snapshot.Consent == nil {
		snapshot.Consent = make(map[string]string)
	}
	if snapshot.RetentionNs == nil {
		snapshot.RetentionNs = make(map[string]int64)
	}
	return &snapshot, nil
}

// Save encodes, compresses, encrypts, and atomically replaces the
// database file: the bytes go to a temp file in the same directory,
// which is synced and renamed over the target. A crash mid-save
// leaves the previous database intact.
func (db *DB) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	if snapshot.Address != db.address {
		return fmt.Errorf("snapshot address %q does not match database %q", snapshot.Address, db.address)
	}

	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	payload, err := encodePayload(encoded)
	if err != nil {
		return err
	}

	fileBytes, err := encryptDatabase(payload, db.key, db.addressHash)
	if err != nil {
		return fmt.Errorf("encrypting database: %w", err)
	}

	temp := db.path + ".tmp"
	file, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp database: %w", err)
	}
	if _, err := file.Write(fileBytes); err != nil {
		file.Close()
		os.Remove(temp)
		return fmt.Errorf("writing temp database: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temp)
		return fmt.Errorf("syncing temp database: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temp)
		return fmt.Errorf("closing temp database: %w", err)
	}
	if err := os.Rename(temp, db.path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("replacing database: %w", err)
	}

	db.logger.Debug("saved database",
		"address", db.address,
		"bytes", len(fileBytes))
	return nil
}

// Close zeros the database's derived key. The handle must not be used
// afterwards. Close is idempotent.
func (db *DB) Close() error {
	return db.key.Close()
}
