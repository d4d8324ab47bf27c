// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

// Snapshot is one identity's complete local state: who the identity
// is on the network, the conversations it belongs to, their message
// history, and per-conversation settings. A database file is one
// encrypted snapshot; saves replace the whole file atomically.
//
// At direct-message scale this is deliberately simple — load once on
// open, persist on change — rather than an incremental record store.
type Snapshot struct {
	// Address is the lowercased identity address the snapshot belongs
	// to. Redundant with the file name, kept inside the ciphertext so
	// loaders can cross-check.
	Address string `cbor:"address"`

	// InboxID is the network inbox identifier, assigned at
	// registration.
	InboxID string `cbor:"inbox_id"`

	// InstallationID is this installation's identifier on the network.
	InstallationID []byte `cbor:"installation_id"`

	// Registered is true once the identity completed registration.
	// Build-path reconstruction requires it.
	Registered bool `cbor:"registered"`

	// Conversations this identity belongs to.
	Conversations []Conversation `cbor:"conversations"`

	// Messages holds per-conversation history, keyed by conversation
	// id, ordered by SentAtNs ascending.
	Messages map[string][]Message `cbor:"messages"`

	// Consent holds this identity's consent state per conversation id:
	// "allowed", "denied", or "unknown".
	Consent map[string]string `cbor:"consent"`

	// RetentionNs holds the disappearing-message retention per
	// conversation id, in nanoseconds. Zero or absent means disabled.
	RetentionNs map[string]int64 `cbor:"retention_ns"`
}

// Conversation is one direct-message conversation as this identity
// sees it.
type Conversation struct {
	ID          string `cbor:"id"`
	PeerInboxID string `cbor:"peer_inbox_id"`

	// PeerAddress is the peer's lowercased identity address, empty
	// when it could not be resolved.
	PeerAddress string `cbor:"peer_address"`

	CreatedAtNs int64 `cbor:"created_at_ns"`
}

// Message is one stored message.
type Message struct {
	ID            string `cbor:"id"`
	SenderInboxID string `cbor:"sender_inbox_id"`
	SenderAddress string `cbor:"sender_address"`
	Content       string `cbor:"content"`
	SentAtNs      int64  `cbor:"sent_at_ns"`

	// Kind is "application" for user-visible content and
	// "membership_change" for conversation lifecycle records.
	Kind string `cbor:"kind"`

	// ContentType is "text" or "markdown" for application messages;
	// other values exist on the wire and are filtered before display.
	ContentType string `cbor:"content_type"`
}

// NewSnapshot returns an empty snapshot for an address with all maps
// initialized.
func NewSnapshot(address string) *Snapshot {
	return &Snapshot{
		Address:     address,
		Messages:    make(map[string][]Message),
		Consent:     make(map[string]string),
		RetentionNs: make(map[string]int64),
	}
}
