// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/techno-hippies/dotheaven-sub017/lib/secret"
)

// KeySize is the size in bytes of the master key and every key derived
// from it.
const KeySize = 32

// databaseVersion is the version byte prepended to every database
// file. Included as additional authenticated data (AAD) in the AEAD
// Seal/Open call, so tampering with the version byte causes
// authentication failure.
const databaseVersion byte = 0x01

// databaseOverhead is the total byte overhead per database file:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const databaseOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// maxSnapshotSize bounds how large a decoded snapshot may be. The
// bound exists so a corrupt or hostile size header cannot drive a
// multi-gigabyte allocation before decompression fails.
const maxSnapshotSize = 256 << 20

// hkdfInfoDatabase is the "info" parameter to HKDF-SHA256 providing
// domain separation for per-identity database keys. Changing it
// invalidates every existing database.
var hkdfInfoDatabase = []byte("heaven.chat.db.v1")

// identityDomain is the BLAKE3 domain prefix for hashing identity
// addresses. The hash binds each database file to its identity.
var identityDomain = []byte("heaven.chat.identity.v1:")

// identityHash returns the BLAKE3 hash of a lowercased identity
// address under the identity domain. It is both the HKDF derivation
// input and the AAD for the identity's database, so a database file
// renamed to another address fails authentication.
func identityHash(address string) [32]byte {
	hasher := blake3.New()
	hasher.Write(identityDomain)
	hasher.Write([]byte(address))
	var result [32]byte
	copy(result[:], hasher.Sum(nil))
	return result
}

// deriveDatabaseKey derives the per-identity AEAD key from the master
// key via HKDF-SHA256. The masterKey is borrowed (read via .Bytes())
// and NOT closed. The returned Buffer must be closed by the caller.
//
// The salt is nil: the master key is generated uniformly at random by
// this package, so HKDF's extract phase with nil salt (HMAC-SHA256
// with zero key) is appropriate per RFC 5869.
func deriveDatabaseKey(masterKey *secret.Buffer, addressHash [32]byte) (*secret.Buffer, error) {
	info := make([]byte, len(hkdfInfoDatabase)+len(addressHash))
	copy(info, hkdfInfoDatabase)
	copy(info[len(hkdfInfoDatabase):], addressHash[:])

	reader := hkdf.New(sha256.New, masterKey.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	// NewFromBytes copies into mmap and zeros the heap slice.
	return secret.NewFromBytes(derived)
}

// encryptDatabase encrypts a framed snapshot payload using
// XChaCha20-Poly1305 and returns the file contents in the standard
// format:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag: N+16 bytes]
//
// The version byte and the identity's address hash are the additional
// authenticated data, binding the ciphertext to the identity it
// belongs to.
//
// The encryptionKey is borrowed and NOT closed. It must be exactly
// KeySize bytes (the output of deriveDatabaseKey).
func encryptDatabase(plaintext []byte, encryptionKey *secret.Buffer, addressHash [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(encryptionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	aad := buildAAD(databaseVersion, addressHash)

	// Allocate output: version + nonce + ciphertext + tag.
	output := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = databaseVersion
	copy(output[1:], nonce[:])

	// Seal appends the ciphertext+tag to output.
	output = aead.Seal(output, nonce[:], plaintext, aad)
	return output, nil
}

// decryptDatabase decrypts a database file produced by
// encryptDatabase. It verifies the version byte, extracts the nonce,
// and authenticates the ciphertext against the AAD (version byte +
// address hash).
//
// Returns an error if:
//   - The file is too short to contain version + nonce + tag
//   - The version byte is from a future format
//   - AEAD authentication fails (wrong key, tampered ciphertext, or a
//     file renamed to another identity's address)
//
// The encryptionKey is borrowed and NOT closed.
func decryptDatabase(fileBytes []byte, encryptionKey *secret.Buffer, addressHash [32]byte) ([]byte, error) {
	if len(fileBytes) < databaseOverhead {
		return nil, fmt.Errorf("database file is %d bytes, minimum is %d (version + nonce + tag)",
			len(fileBytes), databaseOverhead)
	}

	version := fileBytes[0]
	if version != databaseVersion {
		return nil, fmt.Errorf("database version %d is not supported (expected %d)",
			version, databaseVersion)
	}

	nonce := fileBytes[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := fileBytes[1+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(encryptionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	aad := buildAAD(version, addressHash)

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed (wrong key, tampered data, or mismatched identity): %w", err)
	}

	return plaintext, nil
}

// buildAAD constructs the additional authenticated data for AEAD
// operations: the version byte followed by the identity's address
// hash.
func buildAAD(version byte, addressHash [32]byte) []byte {
	aad := make([]byte, 1+len(addressHash))
	aad[0] = version
	copy(aad[1:], addressHash[:])
	return aad
}
