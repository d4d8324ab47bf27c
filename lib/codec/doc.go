// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for on-disk state
// snapshots.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same logical snapshot always serializes to identical bytes.
// Decoding ignores unknown fields for forward compatibility.
//
// Consumers import this package rather than fxamacker/cbor directly,
// so the encoder configuration lives in exactly one place.
package codec
