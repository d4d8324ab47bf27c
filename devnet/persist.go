// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"sort"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/store"
)

// snapshotFor renders one identity's complete hub view as a storable
// snapshot: its registration, every conversation it belongs to, their
// full histories, and per-conversation settings. Conversations are
// ordered by id so identical hub state produces identical snapshots.
func (n *Network) snapshotFor(address, inboxID string, installationID []byte) *store.Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	snapshot := store.NewSnapshot(address)
	snapshot.InboxID = inboxID
	snapshot.InstallationID = append([]byte(nil), installationID...)
	snapshot.Registered = true

	for _, conv := range n.conversations {
		if !conv.isMember(inboxID) {
			continue
		}
		peer := conv.peerOf(inboxID)
		snapshot.Conversations = append(snapshot.Conversations, store.Conversation{
			ID:          conv.id,
			PeerInboxID: peer.inboxID,
			PeerAddress: peer.address,
			CreatedAtNs: conv.createdAtNs,
		})

		stored := make([]store.Message, 0, len(conv.messages))
		for _, record := range conv.messages {
			stored = append(stored, toStoredMessage(record))
		}
		snapshot.Messages[conv.id] = stored

		if state, ok := conv.consent[inboxID]; ok {
			snapshot.Consent[conv.id] = string(state)
		}
		if conv.retentionNs != 0 {
			snapshot.RetentionNs[conv.id] = conv.retentionNs
		}
	}

	sort.Slice(snapshot.Conversations, func(i, j int) bool {
		return snapshot.Conversations[i].ID < snapshot.Conversations[j].ID
	})
	return snapshot
}

// adoptSnapshot merges a loaded snapshot back into the hub. After a
// process restart the hub starts empty; the first member to build
// recreates its inbox and conversations, and later members union in
// whatever history only they persisted. Returns false when the
// snapshot's installation is no longer authorized for the inbox,
// which forces the caller down the registration path.
func (n *Network) adoptSnapshot(snapshot *store.Snapshot) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	box := n.inboxes[snapshot.InboxID]
	if box == nil {
		box = &inbox{
			id:            snapshot.InboxID,
			address:       snapshot.Address,
			installations: [][]byte{append([]byte(nil), snapshot.InstallationID...)},
		}
		n.inboxes[snapshot.InboxID] = box
		n.inboxByAddress[snapshot.Address] = snapshot.InboxID
	} else if !containsInstallation(box.installations, snapshot.InstallationID) {
		return false
	}

	self := member{inboxID: snapshot.InboxID, address: snapshot.Address}
	for _, stored := range snapshot.Conversations {
		conv := n.conversations[stored.ID]
		if conv == nil {
			conv = &conversation{
				id:          stored.ID,
				createdAtNs: stored.CreatedAtNs,
				members: [2]member{
					self,
					{inboxID: stored.PeerInboxID, address: stored.PeerAddress},
				},
				subscribers: make(map[*subscriber]struct{}),
				consent:     make(map[string]chat.ConsentState),
				retentionNs: snapshot.RetentionNs[stored.ID],
			}
			n.conversations[stored.ID] = conv
		}

		n.mergeMessagesLocked(conv, stored.ID, snapshot.Messages[stored.ID])

		// The live hub is authoritative for consent; the snapshot only
		// fills gaps it alone knows about.
		if state, ok := snapshot.Consent[stored.ID]; ok {
			if _, exists := conv.consent[snapshot.InboxID]; !exists {
				conv.consent[snapshot.InboxID] = chat.ParseConsentState(state)
			}
		}
	}
	return true
}

// mergeMessagesLocked unions stored history into the conversation by
// message id, keeping SentAtNs order. Caller holds n.mu.
func (n *Network) mergeMessagesLocked(conv *conversation, conversationID string, stored []store.Message) {
	if len(stored) == 0 {
		return
	}

	existing := make(map[string]bool, len(conv.messages))
	for _, record := range conv.messages {
		existing[record.ID] = true
	}

	added := false
	for _, message := range stored {
		if existing[message.ID] {
			continue
		}
		conv.messages = append(conv.messages, fromStoredMessage(conversationID, message))
		added = true
	}
	if !added {
		return
	}

	sort.SliceStable(conv.messages, func(i, j int) bool {
		return conv.messages[i].SentAtNs < conv.messages[j].SentAtNs
	})
	if last := conv.messages[len(conv.messages)-1].SentAtNs; last > conv.lastNs {
		conv.lastNs = last
	}
}

func toStoredMessage(record chat.MessageRecord) store.Message {
	return store.Message{
		ID:            record.ID,
		SenderInboxID: record.SenderInboxID,
		SenderAddress: record.SenderAddress,
		Content:       record.Content,
		SentAtNs:      record.SentAtNs,
		Kind:          string(record.Kind),
		ContentType:   string(record.ContentType),
	}
}

func fromStoredMessage(conversationID string, message store.Message) chat.MessageRecord {
	return chat.MessageRecord{
		ID:             message.ID,
		ConversationID: conversationID,
		SenderInboxID:  message.SenderInboxID,
		SenderAddress:  message.SenderAddress,
		Content:        message.Content,
		SentAtNs:       message.SentAtNs,
		Kind:           chat.MessageKind(message.Kind),
		ContentType:    chat.ContentType(message.ContentType),
	}
}
