// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/techno-hippies/dotheaven-sub017/lib/secret"
)

// testMasterKey creates a deterministic 32-byte master key so tests
// are reproducible.
func testMasterKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key := [KeySize]byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
		0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20,
	}
	buffer, err := secret.NewFromBytes(key[:])
	if err != nil {
		t.Fatal(err)
	}
	return buffer
}

// testMasterKeyAlternate creates a different deterministic master key
// for testing that different keys produce different outputs.
func testMasterKeyAlternate(t *testing.T) *secret.Buffer {
	t.Helper()
	key := [KeySize]byte{
		0xf0, 0xe1, 0xd2, 0xc3, 0xb4, 0xa5, 0x96, 0x87,
		0x78, 0x69, 0x5a, 0x4b, 0x3c, 0x2d, 0x1e, 0x0f,
		0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78,
		0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0,
	}
	buffer, err := secret.NewFromBytes(key[:])
	if err != nil {
		t.Fatal(err)
	}
	return buffer
}

const (
	testAddress          = "0x3f5ce5fbfe3e9af3971dd833d26ba9b5c936f0be"
	testAddressAlternate = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
)

// --- Identity hash tests ---

func TestIdentityHashDeterministic(t *testing.T) {
	hash1 := identityHash(testAddress)
	hash2 := identityHash(testAddress)
	if hash1 != hash2 {
		t.Error("same address should produce identical identity hashes")
	}
}

func TestIdentityHashVariesWithAddress(t *testing.T) {
	if identityHash(testAddress) == identityHash(testAddressAlternate) {
		t.Error("different addresses should produce different identity hashes")
	}
}

// --- Key derivation tests ---

func TestDeriveDatabaseKeyDeterministic(t *testing.T) {
	masterKey := testMasterKey(t)
	defer masterKey.Close()
	addressHash := identityHash(testAddress)

	key1, err := deriveDatabaseKey(masterKey, addressHash)
	if err != nil {
		t.Fatal(err)
	}
	defer key1.Close()

	key2, err := deriveDatabaseKey(masterKey, addressHash)
	if err != nil {
		t.Fatal(err)
	}
	defer key2.Close()

	if !bytes.Equal(key1.Bytes(), key2.Bytes()) {
		t.Error("same master key + same address should produce identical database keys")
	}
}

func TestDeriveDatabaseKeyVariesWithAddress(t *testing.T) {
	masterKey := testMasterKey(t)
	defer masterKey.Close()

	key1, err := deriveDatabaseKey(masterKey, identityHash(testAddress))
	if err != nil {
		t.Fatal(err)
	}
	defer key1.Close()

	key2, err := deriveDatabaseKey(masterKey, identityHash(testAddressAlternate))
	if err != nil {
		t.Fatal(err)
	}
	defer key2.Close()

	if bytes.Equal(key1.Bytes(), key2.Bytes()) {
		t.Error("different addresses should produce different database keys")
	}
}

func TestDeriveDatabaseKeyVariesWithMasterKey(t *testing.T) {
	masterKey1 := testMasterKey(t)
	defer masterKey1.Close()
	masterKey2 := testMasterKeyAlternate(t)
	defer masterKey2.Close()
	addressHash := identityHash(testAddress)

	key1, err := deriveDatabaseKey(masterKey1, addressHash)
	if err != nil {
		t.Fatal(err)
	}
	defer key1.Close()

	key2, err := deriveDatabaseKey(masterKey2, addressHash)
	if err != nil {
		t.Fatal(err)
	}
	defer key2.Close()

	if bytes.Equal(key1.Bytes(), key2.Bytes()) {
		t.Error("different master keys should produce different database keys")
	}
}

// --- AEAD encrypt/decrypt tests ---

func testDatabaseKey(t *testing.T, address string) *secret.Buffer {
	t.Helper()
	masterKey := testMasterKey(t)
	defer masterKey.Close()

	key, err := deriveDatabaseKey(masterKey, identityHash(address))
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestEncryptDecryptDatabaseRoundTrip(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()
	addressHash := identityHash(testAddress)

	for _, size := range []int{1, 200, 64 * 1024} {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatal(err)
		}

		encrypted, err := encryptDatabase(plaintext, key, addressHash)
		if err != nil {
			t.Fatalf("encryptDatabase(%d bytes): %v", size, err)
		}

		decrypted, err := decryptDatabase(encrypted, key, addressHash)
		if err != nil {
			t.Fatalf("decryptDatabase(%d bytes): %v", size, err)
		}

		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("decrypted content does not match original (size %d)", size)
		}
	}
}

func TestEncryptDatabaseNonDeterministic(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()
	addressHash := identityHash(testAddress)

	plaintext := []byte("identical content for both encryptions")

	encrypted1, err := encryptDatabase(plaintext, key, addressHash)
	if err != nil {
		t.Fatal(err)
	}
	encrypted2, err := encryptDatabase(plaintext, key, addressHash)
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(encrypted1, encrypted2) {
		t.Error("two encryptions of identical content should produce different output (random nonce)")
	}
}

func TestDecryptDatabaseWrongAddress(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()

	encrypted, err := encryptDatabase([]byte("test data"), key, identityHash(testAddress))
	if err != nil {
		t.Fatal(err)
	}

	// Same key, but the address hash bound as associated data does
	// not match — the file was renamed to another identity.
	_, err = decryptDatabase(encrypted, key, identityHash(testAddressAlternate))
	if err == nil {
		t.Error("decrypting with the wrong address hash should fail AEAD authentication")
	}
}

func TestDecryptDatabaseWrongKey(t *testing.T) {
	key1 := testDatabaseKey(t, testAddress)
	defer key1.Close()
	key2 := testDatabaseKey(t, testAddressAlternate)
	defer key2.Close()
	addressHash := identityHash(testAddress)

	encrypted, err := encryptDatabase([]byte("secret data"), key1, addressHash)
	if err != nil {
		t.Fatal(err)
	}

	_, err = decryptDatabase(encrypted, key2, addressHash)
	if err == nil {
		t.Error("decrypting with a key derived for another address should fail")
	}
}

func TestDecryptDatabaseTruncated(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()
	addressHash := identityHash(testAddress)

	for _, length := range []int{0, 1, 10, databaseOverhead - 1} {
		_, err := decryptDatabase(make([]byte, length), key, addressHash)
		if err == nil {
			t.Errorf("file of length %d should be rejected as too short", length)
		}
	}
}

func TestDecryptDatabaseWrongVersion(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()
	addressHash := identityHash(testAddress)

	encrypted, err := encryptDatabase([]byte("test data"), key, addressHash)
	if err != nil {
		t.Fatal(err)
	}

	tampered := make([]byte, len(encrypted))
	copy(tampered, encrypted)
	tampered[0] = 0x02

	_, err = decryptDatabase(tampered, key, addressHash)
	if err == nil {
		t.Error("unknown version byte should cause decryption failure")
	}
}

func TestDecryptDatabaseTamperedCiphertext(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()
	addressHash := identityHash(testAddress)

	encrypted, err := encryptDatabase([]byte("test data for tamper detection"), key, addressHash)
	if err != nil {
		t.Fatal(err)
	}

	tampered := make([]byte, len(encrypted))
	copy(tampered, encrypted)
	tampered[len(tampered)-1] ^= 0x01

	_, err = decryptDatabase(tampered, key, addressHash)
	if err == nil {
		t.Error("tampered ciphertext should cause AEAD authentication failure")
	}
}

func TestEncryptDatabaseFormat(t *testing.T) {
	key := testDatabaseKey(t, testAddress)
	defer key.Close()
	addressHash := identityHash(testAddress)

	plaintext := []byte("format verification test data")
	encrypted, err := encryptDatabase(plaintext, key, addressHash)
	if err != nil {
		t.Fatal(err)
	}

	if encrypted[0] != databaseVersion {
		t.Errorf("first byte = 0x%02x, want 0x%02x", encrypted[0], databaseVersion)
	}

	// Total length: 1 version + 24 nonce + plaintext + 16 tag.
	expected := databaseOverhead + len(plaintext)
	if len(encrypted) != expected {
		t.Errorf("encrypted length = %d, want %d", len(encrypted), expected)
	}
}
