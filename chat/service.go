// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/techno-hippies/dotheaven-sub017/lib/clock"
	"github.com/techno-hippies/dotheaven-sub017/signing"
	"github.com/techno-hippies/dotheaven-sub017/store"
	"github.com/techno-hippies/dotheaven-sub017/wire"
)

// State is the service lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultHistoryLimit is the loadMessages page size when the host
// does not pass one.
const DefaultHistoryLimit = 50

// maxHistoryLimit caps a host-supplied page size.
const maxHistoryLimit = 500

// EventWriter is the subset of wire.Writer the service needs to emit
// message and error events.
type EventWriter interface {
	WriteEvent(name string, data any) error
}

// errorEvent is the data payload of an `error` event.
type errorEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

// Config configures a Service.
type Config struct {
	// Factory maps a network environment name to a Connector.
	// Required.
	Factory ConnectorFactory

	// Signing is the pending-signature table. The service mints
	// per-identity signers from it and fails all pending signatures on
	// disconnect. Required.
	Signing *signing.Remote

	// Emitter writes message and error events to the host. Required.
	Emitter EventWriter

	// Store owns the per-identity local databases. Required.
	Store *store.Manager

	// Clock is the time source. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives service diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// HistoryLimit is the default loadMessages page size. Defaults to
	// DefaultHistoryLimit.
	HistoryLimit int

	// DefaultEnvironment is the network environment used when an init
	// request does not name one. Defaults to "local".
	DefaultEnvironment string
}

// Service owns the messaging client lifecycle, the conversation
// cache, and active stream subscriptions. Handlers run on concurrent
// goroutines; all state is mutex-guarded, and the mutex is never held
// across a network call.
type Service struct {
	factory      ConnectorFactory
	signing      *signing.Remote
	emitter      EventWriter
	store        *store.Manager
	clock        clock.Clock
	logger       *slog.Logger
	historyLimit int
	defaultEnv   string

	mu        sync.Mutex
	state     State
	connector Connector
	client    Client
	address   string
	env       string
	inboxID   string

	// cache maps BOTH the conversation id and the lowercased peer
	// address to the same info (two keys, one value), so creation is
	// idempotent per peer and sends can precondition on either form.
	cache map[string]ConversationInfo

	// streams tracks at most one active subscription per conversation
	// id.
	streams map[string]*streamHandle
}

// streamHandle is one running stream goroutine.
type streamHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService validates the configuration and returns a Service in the
// uninitialized state.
func NewService(config Config) (*Service, error) {
	if config.Factory == nil {
		return nil, fmt.Errorf("chat: connector factory is required")
	}
	if config.Signing == nil {
		return nil, fmt.Errorf("chat: signing table is required")
	}
	if config.Emitter == nil {
		return nil, fmt.Errorf("chat: event emitter is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("chat: store manager is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.DefaultEnvironment == "" {
		config.DefaultEnvironment = "local"
	}

	return &Service{
		factory:      config.Factory,
		signing:      config.Signing,
		emitter:      config.Emitter,
		store:        config.Store,
		clock:        config.Clock,
		logger:       config.Logger,
		historyLimit: config.HistoryLimit,
		defaultEnv:   config.DefaultEnvironment,
		cache:        make(map[string]ConversationInfo),
		streams:      make(map[string]*streamHandle),
	}, nil
}

// Init connects the worker to the network as the given identity.
// Idempotent for the currently connected address; a different address
// requires a disconnect first.
//
// The warm path (Build from local state) needs no signatures. The
// cold path (Create) drives sign-request round-trips through the
// host, and on an installation-limit failure runs recovery (revoke
// existing installations, retry create once).
func (s *Service) Init(ctx context.Context, address string, env string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("identity address is required")
	}
	address = strings.ToLower(address)
	if env == "" {
		env = s.defaultEnv
	}

	s.mu.Lock()
	switch s.state {
	case StateReady:
		if s.address == address {
			inboxID := s.inboxID
			s.mu.Unlock()
			return inboxID, nil
		}
		connected := s.address
		s.mu.Unlock()
		return "", newError(ErrCodeAlreadyConnected,
			"already connected as %s, disconnect before switching identities", connected)
	case StateConnecting:
		s.mu.Unlock()
		return "", newError(ErrCodeAlreadyConnected, "initialization already in progress")
	}
	s.state = StateConnecting
	s.address = address
	s.env = env
	s.mu.Unlock()

	client, connector, err := s.connect(ctx, address, env)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateUninitialized
		s.address = ""
		s.env = ""
		return "", err
	}
	s.client = client
	s.connector = connector
	s.inboxID = client.InboxID()
	s.state = StateReady
	s.cache = make(map[string]ConversationInfo)
	s.logger.Info("client connected",
		"address", address,
		"env", env,
		"inbox_id", s.inboxID)
	return s.inboxID, nil
}

// connect runs the build-first / create-fallback sequence without
// holding the service mutex.
func (s *Service) connect(ctx context.Context, address string, env string) (Client, Connector, error) {
	connector, err := s.factory(env)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting network backend for %q: %w", env, err)
	}

	client, err := connector.Build(ctx, address)
	if err == nil {
		s.logger.Debug("client built from local state", "address", address)
		return client, connector, nil
	}
	if errors.Is(err, ErrNoLocalState) {
		s.logger.Debug("no local state, registering", "address", address)
	} else {
		// Local state exists but is unusable (corrupt file, revoked
		// installation). Create is the recovery.
		s.logger.Warn("local state unusable, registering fresh",
			"address", address,
			"error", err)
	}

	signer := s.signing.Signer(address)
	client, err = connector.Create(ctx, address, signer)
	if err == nil {
		return client, connector, nil
	}

	inboxID, limited := parseInstallationLimit(err.Error())
	if !limited {
		return nil, nil, fmt.Errorf("creating client for %s: %w", address, err)
	}

	// Installation cap hit: revoke the inbox's existing installations
	// and retry the create exactly once.
	s.logger.Warn("installation limit reached, recovering",
		"address", address,
		"inbox_id", inboxID)
	if recoveryErr := s.recoverInstallations(ctx, connector, signer, inboxID, env); recoveryErr != nil {
		s.logger.Error("installation recovery failed",
			"address", address,
			"inbox_id", inboxID,
			"error", recoveryErr)
		return nil, nil, newError(ErrCodeInstallationLimit, "%v (recovery failed: %v)", err, recoveryErr)
	}

	client, retryErr := connector.Create(ctx, address, signer)
	if retryErr != nil {
		return nil, nil, newError(ErrCodeInstallationLimit,
			"create failed after revoking installations: %v", retryErr)
	}
	s.logger.Info("client created after installation recovery", "address", address)
	return client, connector, nil
}

// readyClient returns the connected client, optionally preconditioned
// on a conversation id being present in the cache.
func (s *Service) readyClient(conversationID string) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, newError(ErrCodeNotConnected, "worker is %s, call init first", s.state)
	}
	if conversationID != "" {
		if _, ok := s.cache[conversationID]; !ok {
			return nil, newError(ErrCodeConversationNotFound, "unknown conversation %s", conversationID)
		}
	}
	return s.client, nil
}

// ListConversations syncs and lists the identity's conversations,
// rebuilding the cache wholesale. Denied conversations are filtered
// out.
func (s *Service) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	client, err := s.readyClient("")
	if err != nil {
		return nil, err
	}

	records, err := client.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	infos := make([]ConversationInfo, 0, len(records))
	cache := make(map[string]ConversationInfo, len(records)*2)
	for _, record := range records {
		if record.Consent == ConsentDenied {
			continue
		}
		info := conversationInfo(record)
		infos = append(infos, info)
		cache[info.ID] = info
		if peer := strings.ToLower(record.PeerAddress); peer != "" {
			cache[peer] = info
		}
	}

	s.mu.Lock()
	// A disconnect may have raced the network call; don't resurrect
	// the cache on a dead service.
	if s.state == StateReady {
		s.cache = cache
	}
	s.mu.Unlock()

	return infos, nil
}

// conversationInfo converts a backend record to the host-facing
// shape. The peer address falls back to the conversation id when the
// backend could not resolve one; the last-message preview is included
// only when the last message is displayable text.
func conversationInfo(record ConversationRecord) ConversationInfo {
	info := ConversationInfo{
		ID:          record.ID,
		PeerAddress: strings.ToLower(record.PeerAddress),
	}
	if info.PeerAddress == "" {
		info.PeerAddress = record.ID
	}
	if last := record.LastMessage; last != nil && displayable(*last) {
		info.LastMessage = last.Content
		info.LastMessageAt = last.SentAtNs / int64(time.Millisecond)
		info.LastMessageSender = strings.ToLower(last.SenderAddress)
	}
	return info
}

// CreateConversation returns the existing conversation with a peer,
// creating one on the network only on cache miss. Idempotent per
// lowercased peer address.
func (s *Service) CreateConversation(ctx context.Context, peerAddress string) (ConversationInfo, error) {
	if peerAddress == "" {
		return ConversationInfo{}, fmt.Errorf("peer address is required")
	}
	peerAddress = strings.ToLower(peerAddress)

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ConversationInfo{}, newError(ErrCodeNotConnected, "worker is %s, call init first", s.state)
	}
	if info, ok := s.cache[peerAddress]; ok {
		s.mu.Unlock()
		return info, nil
	}
	client := s.client
	s.mu.Unlock()

	record, err := client.CreateConversation(ctx, peerAddress)
	if err != nil {
		return ConversationInfo{}, fmt.Errorf("creating conversation with %s: %w", peerAddress, err)
	}

	info := conversationInfo(record)
	s.mu.Lock()
	if s.state == StateReady {
		s.cache[info.ID] = info
		s.cache[peerAddress] = info
	}
	s.mu.Unlock()
	return info, nil
}

// SendMessage sends text into a cached conversation and returns the
// new message id. An uncached conversation id fails without touching
// the network.
func (s *Service) SendMessage(ctx context.Context, conversationID string, content string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation id is required")
	}
	client, err := s.readyClient(conversationID)
	if err != nil {
		return "", err
	}

	record, err := client.SendText(ctx, conversationID, content)
	if err != nil {
		return "", fmt.Errorf("sending message to %s: %w", conversationID, err)
	}
	return record.ID, nil
}

// LoadMessages reads conversation history, filtered to displayable
// messages and ordered by sent time ascending. limit <= 0 uses the
// configured default; sentAfterNs > 0 is an exclusive lower bound.
func (s *Service) LoadMessages(ctx context.Context, conversationID string, limit int, sentAfterNs int64) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	client, err := s.readyClient("")
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = s.historyLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := client.Messages(ctx, conversationID, MessageQuery{
		Limit:       limit,
		SentAfterNs: sentAfterNs,
	})
	if err != nil {
		return nil, fmt.Errorf("loading messages from %s: %w", conversationID, err)
	}

	displayed := make([]MessageRecord, 0, len(records))
	for _, record := range records {
		if displayable(record) {
			displayed = append(displayed, record)
		}
	}
	sort.SliceStable(displayed, func(i, j int) bool {
		return displayed[i].SentAtNs < displayed[j].SentAtNs
	})

	messages := make([]Message, 0, len(displayed))
	for _, record := range displayed {
		messages = append(messages, toWireMessage(record))
	}
	return messages, nil
}

// StreamMessages subscribes to a cached conversation and emits a
// `message` event per displayable item until the stream ends or
// StopStream cancels it. A second subscribe for the same conversation
// is a no-op.
func (s *Service) StreamMessages(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return newError(ErrCodeNotConnected, "worker is %s, call init first", s.state)
	}
	if _, ok := s.cache[conversationID]; !ok {
		s.mu.Unlock()
		return newError(ErrCodeConversationNotFound, "unknown conversation %s", conversationID)
	}
	if _, ok := s.streams[conversationID]; ok {
		s.mu.Unlock()
		return nil
	}

	// The stream outlives this request: derive its context from the
	// process root, not the request, and store the handle before
	// subscribing so a concurrent subscribe for the same conversation
	// takes the no-op path above.
	streamCtx, cancel := context.WithCancel(context.Background())
	handle := &streamHandle{cancel: cancel, done: make(chan struct{})}
	s.streams[conversationID] = handle
	client := s.client
	s.mu.Unlock()

	stream, err := client.StreamMessages(streamCtx, conversationID)
	if err != nil {
		cancel()
		close(handle.done)
		s.dropStreamHandle(conversationID, handle)
		return fmt.Errorf("subscribing to %s: %w", conversationID, err)
	}

	go s.runStream(streamCtx, handle, conversationID, stream)
	return nil
}

// runStream pumps one subscription. Cancellation is re-checked after
// every blocking receive: once StopStream returns, no further message
// events for the conversation are written, even for items the backend
// already yielded.
func (s *Service) runStream(ctx context.Context, handle *streamHandle, conversationID string, stream MessageStream) {
	defer func() {
		stream.Close()
		s.dropStreamHandle(conversationID, handle)
		close(handle.done)
	}()

	for {
		record, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("message stream failed",
				"conversation_id", conversationID,
				"error", err)
			if writeErr := s.emitter.WriteEvent(wire.EventError, errorEvent{
				ConversationID: conversationID,
				Message:        err.Error(),
			}); writeErr != nil {
				s.logger.Error("writing stream error event", "error", writeErr)
			}
			return
		}

		if ctx.Err() != nil {
			return
		}
		if !displayable(record) {
			continue
		}
		if err := s.emitter.WriteEvent(wire.EventMessage, toWireMessage(record)); err != nil {
			s.logger.Error("writing message event",
				"conversation_id", conversationID,
				"error", err)
			return
		}
	}
}

// dropStreamHandle removes a handle from the stream table if it is
// still the registered one (Disconnect may have already swapped the
// table).
func (s *Service) dropStreamHandle(conversationID string, handle *streamHandle) {
	s.mu.Lock()
	if s.streams[conversationID] == handle {
		delete(s.streams, conversationID)
	}
	s.mu.Unlock()
}

// streamStopTimeout bounds the wait for a stream goroutine to observe
// cancellation. The goroutine checks between items, never mid-item,
// so this only fires if the backend's Next ignores its context.
const streamStopTimeout = 5 * time.Second

// StopStream cancels the conversation's stream and waits for its
// goroutine to observe the cancellation. Unknown or already-stopped
// conversations are a no-op. Stopping a stream never tears down the
// client.
func (s *Service) StopStream(conversationID string) error {
	s.mu.Lock()
	handle, ok := s.streams[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	handle.cancel()
	select {
	case <-handle.done:
		return nil
	case <-s.clock.After(streamStopTimeout):
		return fmt.Errorf("stream for %s did not stop within %s", conversationID, streamStopTimeout)
	}
}

// UpdateConsent records the identity's consent decision for a cached
// conversation.
func (s *Service) UpdateConsent(ctx context.Context, conversationID string, state string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	client, err := s.readyClient(conversationID)
	if err != nil {
		return err
	}

	if err := client.UpdateConsent(ctx, conversationID, ParseConsentState(state)); err != nil {
		return fmt.Errorf("updating consent for %s: %w", conversationID, err)
	}
	return nil
}

// DisappearingSettings reads a cached conversation's retention
// policy.
func (s *Service) DisappearingSettings(ctx context.Context, conversationID string) (*DisappearingSettings, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	client, err := s.readyClient(conversationID)
	if err != nil {
		return nil, err
	}

	settings, err := client.DisappearingSettings(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading disappearing settings for %s: %w", conversationID, err)
	}
	if settings == nil {
		settings = &DisappearingSettings{}
	}
	return settings, nil
}

// SetDisappearingSettings writes a cached conversation's retention
// policy. Zero retention disables disappearing messages.
func (s *Service) SetDisappearingSettings(ctx context.Context, conversationID string, retention time.Duration) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", retention)
	}
	client, err := s.readyClient(conversationID)
	if err != nil {
		return err
	}

	if err := client.SetDisappearingSettings(ctx, conversationID, retention); err != nil {
		return fmt.Errorf("setting disappearing settings for %s: %w", conversationID, err)
	}
	return nil
}

// Disconnect tears the client down: cancels all streams and waits for
// them, clears the cache, fails every pending signature, closes the
// client. Idempotent; safe to call from any state, including before
// Init.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	handles := s.streams
	s.streams = make(map[string]*streamHandle)
	s.cache = make(map[string]ConversationInfo)
	client := s.client
	s.client = nil
	s.connector = nil
	address := s.address
	s.address = ""
	s.env = ""
	s.inboxID = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}
	for _, handle := range handles {
		<-handle.done
	}

	s.signing.FailAll(ErrNotConnected)

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		s.logger.Warn("closing client", "address", address, "error", err)
	}
	s.logger.Info("client disconnected", "address", address)
	return nil
}

// InboxID returns the connected inbox id; ok is false when the worker
// is not ready.
func (s *Service) InboxID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return "", false
	}
	return s.inboxID, true
}

// Connected reports whether the worker is ready.
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// ResetLocalState deletes an identity's local database files and
// reports the paths removed. Refused while connected (or connecting)
// as that identity; resetting a never-initialized identity returns an
// empty list.
func (s *Service) ResetLocalState(address string) ([]string, error) {
	if address == "" {
		return nil, fmt.Errorf("identity address is required")
	}
	address = strings.ToLower(address)

	s.mu.Lock()
	busy := (s.state == StateReady || s.state == StateConnecting) && s.address == address
	s.mu.Unlock()
	if busy {
		return nil, newError(ErrCodeAlreadyConnected,
			"disconnect before resetting local state for %s", address)
	}

	removed, err := s.store.Remove(address)
	if err != nil {
		return nil, fmt.Errorf("resetting local state for %s: %w", address, err)
	}
	if removed == nil {
		removed = []string{}
	}
	return removed, nil
}
