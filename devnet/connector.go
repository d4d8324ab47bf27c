// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/store"
)

// Connector implements chat.Connector against an in-process Network.
type Connector struct {
	network *Network
}

// Connector returns the hub's chat.Connector implementation.
func (n *Network) Connector() *Connector {
	return &Connector{network: n}
}

// Build reconstructs a client from the identity's persisted snapshot
// without any signature round-trip. Missing or unregistered state is
// chat.ErrNoLocalState, as is a snapshot whose installation has been
// revoked on the hub since it was written.
func (c *Connector) Build(ctx context.Context, address string) (chat.Client, error) {
	address = strings.ToLower(address)

	db, err := c.network.store.Open(address)
	if err != nil {
		return nil, fmt.Errorf("opening database for %s: %w", address, err)
	}

	snapshot, err := db.Load()
	if err != nil {
		db.Close()
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.ErrNoLocalState
		}
		return nil, fmt.Errorf("loading snapshot for %s: %w", address, err)
	}
	if !snapshot.Registered || snapshot.InboxID == "" {
		db.Close()
		return nil, chat.ErrNoLocalState
	}

	if !c.network.adoptSnapshot(snapshot) {
		db.Close()
		c.network.logger.Warn("installation no longer authorized, local state unusable",
			"address", address,
			"inbox_id", snapshot.InboxID)
		return nil, chat.ErrNoLocalState
	}

	client := newClient(c.network, db, address, snapshot.InboxID, snapshot.InstallationID)

	// Re-persist after the merge so history other members seeded into
	// the hub lands in this identity's snapshot too.
	if err := client.persist(); err != nil {
		c.network.logger.Warn("refreshing snapshot after build",
			"address", address,
			"error", err)
	}

	c.network.logger.Info("rebuilt client from local state",
		"address", address,
		"inbox_id", snapshot.InboxID)
	return client, nil
}

// Create registers a new installation for the identity: one signature
// round-trip over the authorization text, a hub registration subject
// to the installation cap, and an initial snapshot save.
func (c *Connector) Create(ctx context.Context, address string, signer chat.Signer) (chat.Client, error) {
	address = strings.ToLower(address)
	if signerAddress := strings.ToLower(signer.Address()); signerAddress != address {
		return nil, fmt.Errorf("signer is bound to %s, not %s", signerAddress, address)
	}

	inboxID := InboxIDForAddress(address)
	installationID, err := newInstallationID()
	if err != nil {
		return nil, err
	}

	signature, err := signer.SignText(ctx, authorizationText(address, inboxID, installationID))
	if err != nil {
		return nil, fmt.Errorf("signing installation authorization: %w", err)
	}

	// Passed through bare: at the installation cap this is the
	// canonical limit message the recovery parser matches on.
	if err := c.network.register(address, inboxID, installationID, signature); err != nil {
		return nil, err
	}

	db, err := c.network.store.Open(address)
	if err != nil {
		return nil, fmt.Errorf("opening database for %s: %w", address, err)
	}

	client := newClient(c.network, db, address, inboxID, installationID)
	if err := client.persist(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persisting registration for %s: %w", address, err)
	}
	return client, nil
}

// InboxState returns the inbox's installation descriptors. The hub
// serves every environment name; env is ignored.
func (c *Connector) InboxState(ctx context.Context, inboxID string, env string) (chat.InboxState, error) {
	return c.network.inboxState(inboxID)
}

// RevokeInstallations removes installations from the signer's own
// inbox after one signature round-trip over the revocation text.
func (c *Connector) RevokeInstallations(ctx context.Context, signer chat.Signer, inboxID string, installationIDs [][]byte) error {
	address := strings.ToLower(signer.Address())
	if InboxIDForAddress(address) != inboxID {
		return fmt.Errorf("signer %s does not control inbox %s", address, inboxID)
	}

	signature, err := signer.SignText(ctx, revocationText(inboxID, installationIDs))
	if err != nil {
		return fmt.Errorf("signing installation revocation: %w", err)
	}
	return c.network.revokeInstallations(inboxID, installationIDs, signature)
}

// authorizationText is the exact text an identity signs to authorize
// a new installation. It binds the address, the inbox, and the
// specific installation id so a signature cannot be replayed for a
// different installation.
func authorizationText(address, inboxID string, installationID []byte) string {
	return fmt.Sprintf(
		"heaven chat installation authorization:\naddress: %s\ninbox: %s\ninstallation: %s",
		address, inboxID, hex.EncodeToString(installationID))
}

// revocationText is the exact text an identity signs to revoke
// installations, listing every id being removed.
func revocationText(inboxID string, installationIDs [][]byte) string {
	var text strings.Builder
	fmt.Fprintf(&text, "heaven chat installation revocation:\ninbox: %s", inboxID)
	for _, id := range installationIDs {
		fmt.Fprintf(&text, "\nrevoke: %s", hex.EncodeToString(id))
	}
	return text.String()
}
