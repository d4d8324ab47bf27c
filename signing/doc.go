// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing implements the worker-side half of the inverted
// signing flow.
//
// The host application owns the identity's private key; the worker
// never sees it. When a network operation needs a signature (identity
// registration, installation revocation), the worker emits a
// sign-request event carrying a monotonically increasing requestId and
// the exact text to sign, then parks the operation on a pending table.
// The host answers with a signing.resolve request carrying the
// requestId and a hex-encoded 65-byte signature, which unparks the
// operation. Requests not resolved within the timeout (30 seconds by
// default) fail with ErrTimeout; disconnecting fails everything
// pending at once.
//
// Resolving a requestId that is no longer pending is deliberately a
// no-op: the host may race a late resolve against the timeout, and
// neither side should treat that as fatal.
package signing
