// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the stateful core of the worker: it owns the
// messaging client lifecycle, the conversation cache, and active
// stream subscriptions.
//
// The service talks to the network through the Connector and Client
// interfaces, so the network implementation is pluggable — devnet
// ships in-tree for the local environment; hosted environments plug
// in through the same seam. Identity signatures are produced by the
// host via the signing package; the worker never holds a private key.
//
// Init is build-first: a client is reconstructed from local state
// when possible (no signatures), and registered fresh otherwise. A
// registration that hits the network's installation cap triggers
// automatic recovery — revoke the inbox's installations, retry once —
// before the failure is surfaced.
package chat
