// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/lib/clock"
	"github.com/techno-hippies/dotheaven-sub017/store"
)

const (
	// DefaultMaxInstallations is how many installations one inbox may
	// register before Create fails with the installation-limit error.
	DefaultMaxInstallations = 10

	// DefaultStreamBuffer is the per-subscriber channel capacity. A
	// subscriber that falls further behind loses messages rather than
	// blocking the sender.
	DefaultStreamBuffer = 256

	// signatureSize is the exact length of an identity signature.
	signatureSize = 65

	// installationIDSize is the length of a generated installation id.
	installationIDSize = 32

	inboxDomain        = "heaven.devnet.inbox.v1:"
	conversationDomain = "heaven.devnet.conversation.v1:"
)

// InstallationShape selects how InboxState encodes installation ids.
// Client libraries have shipped several descriptor layouts over time;
// the shapes here let tests exercise each one.
type InstallationShape int

const (
	// ShapeBytes emits the id as a raw byte slice under "bytes".
	ShapeBytes InstallationShape = iota

	// ShapeHexID emits the id as a hex string under "id".
	ShapeHexID

	// ShapeHexInstallationID emits the id as a 0x-prefixed hex string
	// under "installationId".
	ShapeHexInstallationID
)

// Config configures a Network.
type Config struct {
	// Store persists per-identity snapshots. Required.
	Store *store.Manager

	// MaxInstallations caps registrations per inbox. Defaults to
	// DefaultMaxInstallations.
	MaxInstallations int

	// StreamBuffer is the per-subscriber channel capacity. Defaults to
	// DefaultStreamBuffer.
	StreamBuffer int

	// Clock stamps messages. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Network is an in-process messaging hub with real multi-identity
// semantics: registration with signature checks, installation caps,
// conversations with membership records, fan-out to streams, consent,
// and retention. One Network backs every client in the process; all
// state is guarded by a single mutex.
type Network struct {
	store            *store.Manager
	maxInstallations int
	streamBuffer     int
	clock            clock.Clock
	logger           *slog.Logger

	mu             sync.Mutex
	inboxes        map[string]*inbox        // by inbox id
	inboxByAddress map[string]string        // lowercased address → inbox id
	conversations  map[string]*conversation // by conversation id
	shape          InstallationShape
	dropped        uint64
}

// inbox is one registered identity: its address and the installations
// currently authorized for it, oldest first.
type inbox struct {
	id            string
	address       string
	installations [][]byte
}

// member is one party of a conversation. The address may be empty when
// the peer registered before address resolution existed.
type member struct {
	inboxID string
	address string
}

// conversation is hub-side conversation state. Messages are append-only
// with strictly increasing SentAtNs.
type conversation struct {
	id          string
	createdAtNs int64
	members     [2]member
	messages    []chat.MessageRecord
	lastNs      int64
	subscribers map[*subscriber]struct{}
	consent     map[string]chat.ConsentState // by inbox id
	retentionNs int64
}

// subscriber is one stream's buffered delivery channel.
type subscriber struct {
	conversationID string
	inboxID        string
	ch             chan chat.MessageRecord
	closeOnce      sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// NewNetwork creates an empty hub.
func NewNetwork(cfg Config) (*Network, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("devnet: Config.Store is required")
	}
	if cfg.MaxInstallations == 0 {
		cfg.MaxInstallations = DefaultMaxInstallations
	}
	if cfg.MaxInstallations < 1 {
		return nil, fmt.Errorf("devnet: Config.MaxInstallations must be positive, got %d", cfg.MaxInstallations)
	}
	if cfg.StreamBuffer == 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.StreamBuffer < 1 {
		return nil, fmt.Errorf("devnet: Config.StreamBuffer must be positive, got %d", cfg.StreamBuffer)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Network{
		store:            cfg.Store,
		maxInstallations: cfg.MaxInstallations,
		streamBuffer:     cfg.StreamBuffer,
		clock:            cfg.Clock,
		logger:           cfg.Logger.With("component", "devnet"),
		inboxes:          make(map[string]*inbox),
		inboxByAddress:   make(map[string]string),
		conversations:    make(map[string]*conversation),
	}, nil
}

// SetInstallationShape switches the descriptor layout InboxState
// emits. Exercises the shape tolerance of installation recovery.
func (n *Network) SetInstallationShape(shape InstallationShape) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shape = shape
}

// DroppedMessages reports how many streamed messages were dropped on
// stalled subscribers since the hub was created.
func (n *Network) DroppedMessages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// InboxIDForAddress derives the deterministic inbox id for an identity
// address: 64 hex characters, domain-separated so inbox ids never
// collide with other identifier spaces.
func InboxIDForAddress(address string) string {
	sum := blake3.Sum256([]byte(inboxDomain + strings.ToLower(address)))
	return hex.EncodeToString(sum[:])
}

// conversationIDFor derives the deterministic conversation id for a
// member pair. Sorting first makes the id independent of who creates.
func conversationIDFor(inboxA, inboxB string) string {
	lo, hi := inboxA, inboxB
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := blake3.Sum256([]byte(conversationDomain + lo + "\n" + hi))
	return hex.EncodeToString(sum[:])
}

func newInstallationID() ([]byte, error) {
	id := make([]byte, installationIDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generating installation id: %w", err)
	}
	return id, nil
}

// verifySignature enforces the signature format contract: exactly 65
// bytes and not all zero. The hub does not do public-key recovery;
// the host owns the actual key material.
func verifySignature(signature []byte) error {
	if len(signature) != signatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", signatureSize, len(signature))
	}
	for _, b := range signature {
		if b != 0 {
			return nil
		}
	}
	return fmt.Errorf("signature is all zero bytes")
}

// register adds an installation to an inbox, creating the inbox on
// first registration. Fails with the canonical installation-limit
// message when the inbox is at capacity.
func (n *Network) register(address, inboxID string, installationID, signature []byte) error {
	if err := verifySignature(signature); err != nil {
		return fmt.Errorf("registering %s: %w", address, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	box := n.inboxes[inboxID]
	if box == nil {
		box = &inbox{id: inboxID, address: address}
		n.inboxes[inboxID] = box
		n.inboxByAddress[address] = inboxID
	}
	if len(box.installations) >= n.maxInstallations {
		return fmt.Errorf(
			"Cannot register a new installation because the InboxID %s has already registered %d/%d installations",
			inboxID, len(box.installations), n.maxInstallations)
	}
	box.installations = append(box.installations, installationID)

	n.logger.Info("registered installation",
		"address", address,
		"inbox_id", inboxID,
		"installations", len(box.installations))
	return nil
}

func containsInstallation(installations [][]byte, id []byte) bool {
	for _, candidate := range installations {
		if string(candidate) == string(id) {
			return true
		}
	}
	return false
}

// inboxState returns the installation descriptors for an inbox in the
// currently configured shape.
func (n *Network) inboxState(inboxID string) (chat.InboxState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	box := n.inboxes[inboxID]
	if box == nil {
		return chat.InboxState{}, fmt.Errorf("unknown inbox %s", inboxID)
	}

	state := chat.InboxState{InboxID: inboxID}
	for _, id := range box.installations {
		var descriptor chat.InstallationDescriptor
		switch n.shape {
		case ShapeHexID:
			descriptor = chat.InstallationDescriptor{"id": hex.EncodeToString(id)}
		case ShapeHexInstallationID:
			descriptor = chat.InstallationDescriptor{"installationId": "0x" + hex.EncodeToString(id)}
		default:
			descriptor = chat.InstallationDescriptor{"bytes": append([]byte(nil), id...)}
		}
		state.Installations = append(state.Installations, descriptor)
	}
	return state, nil
}

// revokeInstallations removes the listed installations from an inbox,
// oldest first. Unknown ids in the list are ignored.
func (n *Network) revokeInstallations(inboxID string, installationIDs [][]byte, signature []byte) error {
	if err := verifySignature(signature); err != nil {
		return fmt.Errorf("revoking installations for %s: %w", inboxID, err)
	}

	revoke := make(map[string]bool, len(installationIDs))
	for _, id := range installationIDs {
		revoke[string(id)] = true
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	box := n.inboxes[inboxID]
	if box == nil {
		return fmt.Errorf("unknown inbox %s", inboxID)
	}

	kept := box.installations[:0]
	removed := 0
	for _, id := range box.installations {
		if revoke[string(id)] {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	box.installations = kept

	n.logger.Info("revoked installations",
		"inbox_id", inboxID,
		"removed", removed,
		"remaining", len(box.installations))
	return nil
}

// createConversation returns the conversation for the member pair,
// creating it with a membership record on first use. The creator's
// consent is set to allowed; the peer starts unknown so the
// conversation surfaces as a request on their side.
func (n *Network) createConversation(creator, peer member) (*conversation, chat.ConversationRecord, error) {
	if creator.inboxID == peer.inboxID {
		return nil, chat.ConversationRecord{}, fmt.Errorf("cannot create a conversation with yourself")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	id := conversationIDFor(creator.inboxID, peer.inboxID)
	conv := n.conversations[id]
	if conv == nil {
		now := n.clock.Now().UnixNano()
		conv = &conversation{
			id:          id,
			createdAtNs: now,
			members:     [2]member{creator, peer},
			subscribers: make(map[*subscriber]struct{}),
			consent:     map[string]chat.ConsentState{creator.inboxID: chat.ConsentAllowed},
		}
		n.conversations[id] = conv
		n.appendLocked(conv, chat.MessageRecord{
			ID:             uuid.NewString(),
			ConversationID: id,
			SenderInboxID:  creator.inboxID,
			SenderAddress:  creator.address,
			Content:        "conversation created",
			Kind:           chat.KindMembershipChange,
		})
		n.logger.Info("created conversation",
			"conversation_id", id,
			"creator", creator.address,
			"peer", peer.address)
	}

	return conv, n.recordForLocked(conv, creator.inboxID), nil
}

// appendLocked stamps and appends a message, then fans it out. SentAtNs
// is strictly increasing per conversation even under a coarse clock.
// Caller holds n.mu.
func (n *Network) appendLocked(conv *conversation, record chat.MessageRecord) chat.MessageRecord {
	ns := n.clock.Now().UnixNano()
	if ns <= conv.lastNs {
		ns = conv.lastNs + 1
	}
	conv.lastNs = ns
	record.SentAtNs = ns
	conv.messages = append(conv.messages, record)

	for sub := range conv.subscribers {
		select {
		case sub.ch <- record:
		default:
			n.dropped++
			n.logger.Warn("dropping streamed message on stalled subscriber",
				"conversation_id", conv.id,
				"inbox_id", sub.inboxID,
				"message_id", record.ID,
				"dropped_total", n.dropped)
		}
	}
	return record
}

// sendText appends an application/text message from the sender and
// returns the stamped record.
func (n *Network) sendText(conv *conversation, sender member, text string) chat.MessageRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.appendLocked(conv, chat.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.id,
		SenderInboxID:  sender.inboxID,
		SenderAddress:  sender.address,
		Content:        text,
		Kind:           chat.KindApplication,
		ContentType:    chat.ContentTypeText,
	})
}

// conversationFor returns the conversation if inboxID is a member of
// it. Non-members see the same error as a missing conversation.
func (n *Network) conversationFor(conversationID, inboxID string) (*conversation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conv := n.conversations[conversationID]
	if conv == nil || !conv.isMember(inboxID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrConversationNotFound)
	}
	return conv, nil
}

func (c *conversation) isMember(inboxID string) bool {
	return c.members[0].inboxID == inboxID || c.members[1].inboxID == inboxID
}

func (c *conversation) peerOf(inboxID string) member {
	if c.members[0].inboxID == inboxID {
		return c.members[1]
	}
	return c.members[0]
}

// expiredLocked reports whether a record has aged out under the
// conversation's disappearing-message retention.
func (c *conversation) expiredLocked(record chat.MessageRecord, nowNs int64) bool {
	return c.retentionNs > 0 && record.SentAtNs+c.retentionNs <= nowNs
}

// listConversations returns the records for every conversation the
// inbox belongs to, most recent activity first.
func (n *Network) listConversations(inboxID string) []chat.ConversationRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	var records []chat.ConversationRecord
	for _, conv := range n.conversations {
		if !conv.isMember(inboxID) {
			continue
		}
		records = append(records, n.recordForLocked(conv, inboxID))
	}
	sort.Slice(records, func(i, j int) bool {
		return lastActivityNs(records[i]) > lastActivityNs(records[j])
	})
	return records
}

func lastActivityNs(record chat.ConversationRecord) int64 {
	if record.LastMessage != nil {
		return record.LastMessage.SentAtNs
	}
	return record.CreatedAtNs
}

// recordForLocked renders a conversation from one member's point of
// view. Caller holds n.mu.
func (n *Network) recordForLocked(conv *conversation, inboxID string) chat.ConversationRecord {
	peer := conv.peerOf(inboxID)
	record := chat.ConversationRecord{
		ID:          conv.id,
		PeerInboxID: peer.inboxID,
		PeerAddress: peer.address,
		CreatedAtNs: conv.createdAtNs,
		Consent:     chat.ConsentUnknown,
	}
	if state, ok := conv.consent[inboxID]; ok {
		record.Consent = state
	}

	nowNs := n.clock.Now().UnixNano()
	for i := len(conv.messages) - 1; i >= 0; i-- {
		if conv.expiredLocked(conv.messages[i], nowNs) {
			continue
		}
		last := conv.messages[i]
		record.LastMessage = &last
		break
	}
	return record
}

// messages returns the conversation history for one member: records
// newer than SentAfterNs that have not expired, ascending, capped to
// the most recent Limit entries.
func (n *Network) messages(conv *conversation, query chat.MessageQuery) []chat.MessageRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	nowNs := n.clock.Now().UnixNano()
	var matched []chat.MessageRecord
	for _, record := range conv.messages {
		if record.SentAtNs <= query.SentAfterNs {
			continue
		}
		if conv.expiredLocked(record, nowNs) {
			continue
		}
		matched = append(matched, record)
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[len(matched)-query.Limit:]
	}
	return matched
}

// subscribe registers a buffered delivery channel on the conversation.
func (n *Network) subscribe(conv *conversation, inboxID string) *subscriber {
	sub := &subscriber{
		conversationID: conv.id,
		inboxID:        inboxID,
		ch:             make(chan chat.MessageRecord, n.streamBuffer),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	conv.subscribers[sub] = struct{}{}
	return sub
}

// unsubscribe removes the subscriber and closes its channel so a
// blocked Next observes end-of-stream.
func (n *Network) unsubscribe(sub *subscriber) {
	n.mu.Lock()
	conv := n.conversations[sub.conversationID]
	if conv != nil {
		delete(conv.subscribers, sub)
	}
	n.mu.Unlock()
	sub.close()
}

// setConsent records one member's consent for a conversation.
func (n *Network) setConsent(conv *conversation, inboxID string, state chat.ConsentState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conv.consent[inboxID] = state
}

// retention reads the conversation's disappearing-message retention.
func (n *Network) retention(conv *conversation) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return conv.retentionNs
}

// setRetention updates the conversation's disappearing-message
// retention. Zero disables expiry.
func (n *Network) setRetention(conv *conversation, retentionNs int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conv.retentionNs = retentionNs
}
