// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/store"
)

// Client is one identity's live handle on the hub. Safe for
// concurrent use; hub state is guarded by the Network and the local
// snapshot handle by the client's own mutex.
//
// Network mutations succeed or fail on the hub; the snapshot on disk
// is a reconstruction cache, so a failed save after a successful
// mutation is logged rather than surfaced.
type Client struct {
	network        *Network
	address        string
	inboxID        string
	installationID []byte

	mu      sync.Mutex
	db      *store.DB
	closed  bool
	streams map[*stream]struct{}
}

func newClient(network *Network, db *store.DB, address, inboxID string, installationID []byte) *Client {
	return &Client{
		network:        network,
		address:        address,
		inboxID:        inboxID,
		installationID: append([]byte(nil), installationID...),
		db:             db,
		streams:        make(map[*stream]struct{}),
	}
}

// InboxID returns the identity's inbox id.
func (c *Client) InboxID() string { return c.inboxID }

// self returns the client's member identity, or an error once the
// client is closed.
func (c *Client) self() (member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return member{}, fmt.Errorf("client for %s is closed", c.address)
	}
	return member{inboxID: c.inboxID, address: c.address}, nil
}

// persist writes the identity's current hub view to its snapshot.
func (c *Client) persist() error {
	snapshot := c.network.snapshotFor(c.address, c.inboxID, c.installationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return fmt.Errorf("client for %s is closed", c.address)
	}
	return c.db.Save(snapshot)
}

// persistOrWarn persists after a hub mutation that already succeeded.
func (c *Client) persistOrWarn(operation string) {
	if err := c.persist(); err != nil {
		c.network.logger.Warn("persisting snapshot failed",
			"address", c.address,
			"operation", operation,
			"error", err)
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.ConversationRecord, error) {
	self, err := c.self()
	if err != nil {
		return nil, err
	}
	return c.network.listConversations(self.inboxID), nil
}

func (c *Client) CreateConversation(ctx context.Context, peerAddress string) (chat.ConversationRecord, error) {
	self, err := c.self()
	if err != nil {
		return chat.ConversationRecord{}, err
	}

	peerAddress = strings.ToLower(peerAddress)
	peer := member{inboxID: InboxIDForAddress(peerAddress), address: peerAddress}
	_, record, err := c.network.createConversation(self, peer)
	if err != nil {
		return chat.ConversationRecord{}, err
	}

	c.persistOrWarn("create conversation")
	return record, nil
}

func (c *Client) SendText(ctx context.Context, conversationID string, text string) (chat.MessageRecord, error) {
	self, err := c.self()
	if err != nil {
		return chat.MessageRecord{}, err
	}
	if text == "" {
		return chat.MessageRecord{}, fmt.Errorf("refusing to send an empty message")
	}

	conv, err := c.network.conversationFor(conversationID, self.inboxID)
	if err != nil {
		return chat.MessageRecord{}, err
	}

	record := c.network.sendText(conv, self, text)
	c.persistOrWarn("send message")
	return record, nil
}

func (c *Client) Messages(ctx context.Context, conversationID string, query chat.MessageQuery) ([]chat.MessageRecord, error) {
	self, err := c.self()
	if err != nil {
		return nil, err
	}
	conv, err := c.network.conversationFor(conversationID, self.inboxID)
	if err != nil {
		return nil, err
	}
	return c.network.messages(conv, query), nil
}

func (c *Client) StreamMessages(ctx context.Context, conversationID string) (chat.MessageStream, error) {
	self, err := c.self()
	if err != nil {
		return nil, err
	}
	conv, err := c.network.conversationFor(conversationID, self.inboxID)
	if err != nil {
		return nil, err
	}

	sub := c.network.subscribe(conv, self.inboxID)
	s := &stream{network: c.network, sub: sub, owner: c}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.network.unsubscribe(sub)
		return nil, fmt.Errorf("client for %s is closed", c.address)
	}
	c.streams[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *Client) UpdateConsent(ctx context.Context, conversationID string, state chat.ConsentState) error {
	self, err := c.self()
	if err != nil {
		return err
	}
	conv, err := c.network.conversationFor(conversationID, self.inboxID)
	if err != nil {
		return err
	}

	c.network.setConsent(conv, self.inboxID, state)
	c.persistOrWarn("update consent")
	return nil
}

func (c *Client) DisappearingSettings(ctx context.Context, conversationID string) (*chat.DisappearingSettings, error) {
	self, err := c.self()
	if err != nil {
		return nil, err
	}
	conv, err := c.network.conversationFor(conversationID, self.inboxID)
	if err != nil {
		return nil, err
	}
	return &chat.DisappearingSettings{RetentionNs: c.network.retention(conv)}, nil
}

func (c *Client) SetDisappearingSettings(ctx context.Context, conversationID string, retention time.Duration) error {
	self, err := c.self()
	if err != nil {
		return err
	}
	conv, err := c.network.conversationFor(conversationID, self.inboxID)
	if err != nil {
		return err
	}

	c.network.setRetention(conv, int64(retention))
	c.persistOrWarn("set disappearing settings")
	return nil
}

// removeStream drops a closed stream from the client's tracking set.
func (c *Client) removeStream(s *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, s)
}

// Close tears down every open stream, writes a final snapshot of the
// identity's hub view, and releases the database handle. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		open = append(open, s)
	}
	c.streams = make(map[*stream]struct{})
	c.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	snapshot := c.network.snapshotFor(c.address, c.inboxID, c.installationID)

	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}

	var saveErr error
	if err := db.Save(snapshot); err != nil {
		saveErr = fmt.Errorf("saving final snapshot for %s: %w", c.address, err)
	}
	db.Close()
	return saveErr
}
