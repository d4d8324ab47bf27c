// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/techno-hippies/dotheaven-sub017/lib/secret"
)

// keyFileName is the master key file inside the data directory. The
// key is stored hex-encoded: secret.ReadFromPath trims surrounding
// whitespace, which would corrupt raw binary key material.
const keyFileName = "chat.key"

// Config configures a store manager.
type Config struct {
	// DataDir is the directory for database and key files. Created
	// with mode 0700 if it does not exist.
	DataDir string

	// Logger receives store diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns a data directory of encrypted per-identity databases.
// It holds the master key and derives a distinct database key for
// each identity address, so a database file copied between identities
// never decrypts.
//
// Manager is safe for concurrent use.
type Manager struct {
	dataDir string
	logger  *slog.Logger

	mu     sync.Mutex
	master *secret.Buffer
	closed bool
}

// NewManager opens (or initializes) the data directory and loads the
// master key, generating one on first use.
func NewManager(config Config) (*Manager, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("store: data directory is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	master, err := loadOrCreateMasterKey(filepath.Join(config.DataDir, keyFileName))
	if err != nil {
		return nil, err
	}

	return &Manager{
		dataDir: config.DataDir,
		logger:  config.Logger,
		master:  master,
	}, nil
}

// loadOrCreateMasterKey reads the hex-encoded master key from path,
// creating a fresh random key (file mode 0600) when the file does not
// exist yet.
func loadOrCreateMasterKey(path string) (*secret.Buffer, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking key file: %w", err)
		}

		raw := make([]byte, KeySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		encoded := hex.EncodeToString(raw)
		secret.Zero(raw)

		if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("writing key file: %w", err)
		}
	}

	hexKey, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	defer hexKey.Close()

	raw, err := hex.DecodeString(hexKey.String())
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(raw) != KeySize {
		secret.Zero(raw)
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(raw), KeySize)
	}

	return secret.NewFromBytes(raw)
}

// validateAddress rejects addresses that are empty or could escape the
// data directory when embedded in a file name.
func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("identity address is required")
	}
	if strings.ContainsAny(address, "/\\") || strings.Contains(address, "..") {
		return fmt.Errorf("invalid identity address %q", address)
	}
	return nil
}

// databaseFileName returns the database file name for a lowercased
// identity address.
func databaseFileName(address string) string {
	return "chat-" + address + ".db"
}

// Open returns the database handle for an identity address. Addresses
// are case-insensitive: Open("0xAB..") and Open("0xab..") refer to the
// same database. The handle owns a key derived for this address; call
// its Close when the identity disconnects.
func (m *Manager) Open(address string) (*DB, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	address = strings.ToLower(address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store: manager is closed")
	}

	addressHash := identityHash(address)
	key, err := deriveDatabaseKey(m.master, addressHash)
	if err != nil {
		return nil, err
	}

	return &DB{
		path:        filepath.Join(m.dataDir, databaseFileName(address)),
		address:     address,
		addressHash: addressHash,
		key:         key,
		logger:      m.logger,
	}, nil
}

// Remove deletes all local state for an identity address and returns
// the paths that were actually removed. Sibling files some database
// backends leave next to the main file (-wal, -shm, -journal) and
// stale temp files from interrupted saves are covered too. Missing
// files are not an error: Remove is idempotent.
func (m *Manager) Remove(address string) ([]string, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	address = strings.ToLower(address)

	base := filepath.Join(m.dataDir, databaseFileName(address))
	candidates := []string{
		base,
		base + "-wal",
		base + "-shm",
		base + "-journal",
		base + ".tmp",
	}

	var removed []string
	for _, path := range candidates {
		err := os.Remove(path)
		if err == nil {
			removed = append(removed, path)
			continue
		}
		if !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", path, err)
		}
	}

	if len(removed) > 0 {
		m.logger.Info("removed local state",
			"address", address,
			"files", len(removed))
	}
	return removed, nil
}

// DataDir returns the manager's data directory.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// Close zeros the master key. Database handles obtained from this
// manager must not be used afterwards. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.master.Close()
}
