// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"time"
)

// Signer produces identity signatures. The worker itself never holds
// a private key: the production implementation round-trips each
// signature through the host (signing.Remote); tests substitute a
// synchronous fake.
type Signer interface {
	// Address returns the lowercased identity address the signer is
	// bound to.
	Address() string

	// SignText returns a 65-byte signature over exactly the given
	// text.
	SignText(ctx context.Context, text string) ([]byte, error)
}

// Connector establishes client sessions for an identity. The network
// implementation is pluggable: devnet ships in-tree for the local
// environment and the test suite; hosted environments plug in here.
type Connector interface {
	// Build reconstructs a client from existing local state without
	// signing. Returns ErrNoLocalState when the identity has no usable
	// registered state on disk.
	Build(ctx context.Context, address string) (Client, error)

	// Create registers the identity on the network, driving one or
	// more signature round-trips through the Signer. May fail with an
	// installation-limit error when the inbox is at its cap.
	Create(ctx context.Context, address string, signer Signer) (Client, error)

	// InboxState fetches installation state for an inbox, optionally
	// scoped to a network environment. env may be empty.
	InboxState(ctx context.Context, inboxID string, env string) (InboxState, error)

	// RevokeInstallations removes the given installations from an
	// inbox, driving a signature round-trip through the Signer.
	RevokeInstallations(ctx context.Context, signer Signer, inboxID string, installationIDs [][]byte) error
}

// ConnectorFactory maps a network environment name onto a Connector.
// Environments without a linked backend return a descriptive error.
type ConnectorFactory func(env string) (Connector, error)

// Client is one connected identity's handle on the network.
type Client interface {
	InboxID() string
	ListConversations(ctx context.Context) ([]ConversationRecord, error)
	CreateConversation(ctx context.Context, peerAddress string) (ConversationRecord, error)
	SendText(ctx context.Context, conversationID string, text string) (MessageRecord, error)
	Messages(ctx context.Context, conversationID string, query MessageQuery) ([]MessageRecord, error)
	StreamMessages(ctx context.Context, conversationID string) (MessageStream, error)
	UpdateConsent(ctx context.Context, conversationID string, state ConsentState) error
	DisappearingSettings(ctx context.Context, conversationID string) (*DisappearingSettings, error)
	SetDisappearingSettings(ctx context.Context, conversationID string, retention time.Duration) error
	Close() error
}

// MessageStream yields messages for one conversation until Close or
// context cancellation. Next returns io.EOF after the stream ends.
type MessageStream interface {
	Next(ctx context.Context) (MessageRecord, error)
	Close() error
}
