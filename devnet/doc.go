// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package devnet is an in-process messaging network backing the local
// environment and the test suite.
//
// A single Network hub carries every identity in the process with
// real network semantics rather than stubs: registration requires a
// 65-byte signature over a canonical authorization text, inboxes cap
// their installations and fail further registrations with the
// canonical limit message, revocation frees capacity, conversations
// are created with membership records, sends fan out to buffered
// per-stream subscribers without ever blocking the sender, and
// consent and disappearing-message retention are tracked per
// conversation.
//
// Identity resolution is deterministic: an address always maps to the
// same inbox id and a member pair always maps to the same
// conversation id, so conversation creation is naturally idempotent.
//
// Every mutation persists the identity's view through store, which is
// what makes the snapshot build path real: after a process restart
// the first identity to build reseeds the hub from its snapshot, and
// later builders merge in whatever history only they persisted.
package devnet
