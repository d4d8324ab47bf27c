// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists per-identity chat state as encrypted
// snapshot files.
//
// A Manager owns the data directory and a master key (generated on
// first run, stored hex-encoded with mode 0600). Each identity
// address gets its own database file, chat-<address>.db, encrypted
// with a key derived from the master key and the address — databases
// are not interchangeable between identities, and renaming a file
// does not make it decrypt.
//
// On disk a database is:
//
//	[version 1B][XChaCha20 nonce 24B][ciphertext || Poly1305 tag]
//
// with the version byte and the identity hash bound as associated
// data. The plaintext is a compression envelope ([tag 1B][size 4B LE]
// [payload]) around a deterministic CBOR encoding of Snapshot; zstd
// and lz4 are chosen per save based on how well the snapshot actually
// compresses.
package store
