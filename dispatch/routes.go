// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/signing"
)

// Nanosecond quantities cross the wire as decimal strings: sentAtNs
// values exceed JavaScript's safe-integer range, so JSON numbers
// would silently lose precision on the host side.

type initParams struct {
	Address string `json:"address"`
	Env     string `json:"env"`
}

type initResult struct {
	InboxID string `json:"inboxId"`
}

type connectedResult struct {
	Connected bool   `json:"connected"`
	InboxID   string `json:"inboxId,omitempty"`
}

type conversationsResult struct {
	Conversations []chat.ConversationInfo `json:"conversations"`
}

type peerParams struct {
	PeerAddress string `json:"peerAddress"`
}

type conversationResult struct {
	Conversation chat.ConversationInfo `json:"conversation"`
}

type sendMessageParams struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type sendMessageResult struct {
	MessageID string `json:"messageId"`
}

type loadMessagesParams struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	SentAfterNs    string `json:"sentAfterNs"`
}

type messagesResult struct {
	Messages []chat.Message `json:"messages"`
}

type conversationParams struct {
	ConversationID string `json:"conversationId"`
}

type updateConsentParams struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
}

type settingsResult struct {
	RetentionNs string `json:"retentionNs"`
}

type setSettingsParams struct {
	ConversationID string `json:"conversationId"`
	RetentionNs    string `json:"retentionNs"`
}

type addressParams struct {
	Address string `json:"address"`
}

type resetResult struct {
	Removed []string `json:"removed"`
}

type resolveParams struct {
	RequestID uint64 `json:"requestId"`
	Signature string `json:"signature"`
}

// Routes builds the worker's method table over the chat service and
// the signing bridge.
func Routes(service *chat.Service, remote *signing.Remote) map[string]Handler {
	return map[string]Handler{
		"init": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p initParams
			if err := decodeParams("init", params, &p); err != nil {
				return nil, err
			}
			if p.Address == "" {
				return nil, protocolErrorf("init: address is required")
			}
			inboxID, err := service.Init(ctx, p.Address, p.Env)
			if err != nil {
				return nil, err
			}
			return initResult{InboxID: inboxID}, nil
		},

		"disconnect": func(ctx context.Context, params json.RawMessage) (any, error) {
			if err := service.Disconnect(); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},

		"isConnected": func(ctx context.Context, params json.RawMessage) (any, error) {
			inboxID, connected := service.InboxID()
			return connectedResult{Connected: connected, InboxID: inboxID}, nil
		},

		"listConversations": func(ctx context.Context, params json.RawMessage) (any, error) {
			conversations, err := service.ListConversations(ctx)
			if err != nil {
				return nil, err
			}
			if conversations == nil {
				conversations = []chat.ConversationInfo{}
			}
			return conversationsResult{Conversations: conversations}, nil
		},

		"createConversation": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p peerParams
			if err := decodeParams("createConversation", params, &p); err != nil {
				return nil, err
			}
			if p.PeerAddress == "" {
				return nil, protocolErrorf("createConversation: peerAddress is required")
			}
			conversation, err := service.CreateConversation(ctx, p.PeerAddress)
			if err != nil {
				return nil, err
			}
			return conversationResult{Conversation: conversation}, nil
		},

		"sendMessage": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p sendMessageParams
			if err := decodeParams("sendMessage", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("sendMessage: conversationId is required")
			}
			if p.Content == "" {
				return nil, protocolErrorf("sendMessage: content is required")
			}
			messageID, err := service.SendMessage(ctx, p.ConversationID, p.Content)
			if err != nil {
				return nil, err
			}
			return sendMessageResult{MessageID: messageID}, nil
		},

		"loadMessages": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p loadMessagesParams
			if err := decodeParams("loadMessages", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("loadMessages: conversationId is required")
			}
			if p.Limit < 0 {
				return nil, protocolErrorf("loadMessages: limit must not be negative")
			}
			sentAfterNs, err := parseNs("loadMessages: sentAfterNs", p.SentAfterNs)
			if err != nil {
				return nil, err
			}
			messages, err := service.LoadMessages(ctx, p.ConversationID, p.Limit, sentAfterNs)
			if err != nil {
				return nil, err
			}
			if messages == nil {
				messages = []chat.Message{}
			}
			return messagesResult{Messages: messages}, nil
		},

		"streamMessages": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p conversationParams
			if err := decodeParams("streamMessages", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("streamMessages: conversationId is required")
			}
			if err := service.StreamMessages(ctx, p.ConversationID); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},

		"stopStream": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p conversationParams
			if err := decodeParams("stopStream", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("stopStream: conversationId is required")
			}
			if err := service.StopStream(p.ConversationID); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},

		"updateConsent": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p updateConsentParams
			if err := decodeParams("updateConsent", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("updateConsent: conversationId is required")
			}
			switch p.State {
			case "allowed", "denied", "unknown":
			default:
				return nil, protocolErrorf("updateConsent: state must be allowed, denied, or unknown")
			}
			if err := service.UpdateConsent(ctx, p.ConversationID, p.State); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},

		"getDisappearingSettings": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p conversationParams
			if err := decodeParams("getDisappearingSettings", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("getDisappearingSettings: conversationId is required")
			}
			settings, err := service.DisappearingSettings(ctx, p.ConversationID)
			if err != nil {
				return nil, err
			}
			return settingsResult{
				RetentionNs: strconv.FormatInt(settings.RetentionNs, 10),
			}, nil
		},

		"setDisappearingSettings": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p setSettingsParams
			if err := decodeParams("setDisappearingSettings", params, &p); err != nil {
				return nil, err
			}
			if p.ConversationID == "" {
				return nil, protocolErrorf("setDisappearingSettings: conversationId is required")
			}
			if p.RetentionNs == "" {
				return nil, protocolErrorf("setDisappearingSettings: retentionNs is required")
			}
			retentionNs, err := parseNs("setDisappearingSettings: retentionNs", p.RetentionNs)
			if err != nil {
				return nil, err
			}
			if err := service.SetDisappearingSettings(ctx, p.ConversationID, time.Duration(retentionNs)); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},

		"resetLocalState": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p addressParams
			if err := decodeParams("resetLocalState", params, &p); err != nil {
				return nil, err
			}
			if p.Address == "" {
				return nil, protocolErrorf("resetLocalState: address is required")
			}
			removed, err := service.ResetLocalState(p.Address)
			if err != nil {
				return nil, err
			}
			return resetResult{Removed: removed}, nil
		},

		"signing.resolve": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p resolveParams
			if err := decodeParams("signing.resolve", params, &p); err != nil {
				return nil, err
			}
			if p.RequestID == 0 {
				return nil, protocolErrorf("signing.resolve: requestId is required")
			}
			if p.Signature == "" {
				return nil, protocolErrorf("signing.resolve: signature is required")
			}
			// Resolve only errors on undecodable signature hex, which
			// is malformed input, not a worker fault.
			if err := remote.Resolve(p.RequestID, p.Signature); err != nil {
				return nil, protocolErrorf("signing.resolve: %v", err)
			}
			return struct{}{}, nil
		},
	}
}

// decodeParams unmarshals a params object into its typed struct.
// Absent params decode as {} so methods with optional parameters
// accept a bare envelope.
func decodeParams(method string, params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return protocolErrorf("%s: invalid params: %v", method, err)
	}
	return nil
}

// parseNs parses a decimal nanosecond string. Empty means zero.
func parseNs(field, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	ns, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, protocolErrorf("%s must be a decimal nanosecond string", field)
	}
	if ns < 0 {
		return 0, protocolErrorf("%s must not be negative", field)
	}
	return ns, nil
}
