// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// ConsentState is an identity's consent decision for a conversation.
type ConsentState string

const (
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
	ConsentUnknown ConsentState = "unknown"
)

// ParseConsentState maps a wire string onto a ConsentState. Anything
// that is not exactly "allowed" or "denied" is "unknown".
func ParseConsentState(value string) ConsentState {
	switch value {
	case string(ConsentAllowed):
		return ConsentAllowed
	case string(ConsentDenied):
		return ConsentDenied
	default:
		return ConsentUnknown
	}
}

// MessageKind distinguishes user content from conversation lifecycle
// records.
type MessageKind string

const (
	KindApplication      MessageKind = "application"
	KindMembershipChange MessageKind = "membership_change"
)

// ContentType is the declared content type of an application message.
// Only text and markdown are surfaced to the host; other types exist
// on the network (reactions, receipts) and are filtered out.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
)

// ConversationRecord is a conversation as the network backend reports
// it, scoped to the requesting identity.
type ConversationRecord struct {
	ID          string
	PeerInboxID string

	// PeerAddress is the peer's identity address, empty when the
	// backend cannot resolve one.
	PeerAddress string

	CreatedAtNs int64

	// LastMessage is the most recent message, nil for an empty
	// conversation.
	LastMessage *MessageRecord

	// Consent is the requesting identity's consent state for this
	// conversation.
	Consent ConsentState
}

// MessageRecord is a message as the network backend reports it.
type MessageRecord struct {
	ID             string
	ConversationID string
	SenderInboxID  string
	SenderAddress  string
	Content        string
	SentAtNs       int64
	Kind           MessageKind
	ContentType    ContentType
}

// MessageQuery bounds a history read. Zero values mean "no bound".
type MessageQuery struct {
	// Limit caps the number of returned messages (most recent first
	// when trimming, returned oldest first).
	Limit int

	// SentAfterNs is an exclusive nanosecond lower bound.
	SentAfterNs int64
}

// DisappearingSettings is a conversation's message retention policy.
// Zero retention means disappearing messages are disabled.
type DisappearingSettings struct {
	RetentionNs int64
}

// InboxState is the installation state of one inbox as reported by
// the network.
type InboxState struct {
	InboxID       string
	Installations []InstallationDescriptor
}

// InstallationDescriptor is one installation as reported by the
// network. Different client-library versions emit different field
// shapes, so the descriptor stays schemaless and IDBytes tolerates
// all known forms.
type InstallationDescriptor map[string]any

// IDBytes extracts the raw installation id from a descriptor,
// tolerating the shapes different library versions emit: "bytes" as a
// byte slice or numeric array, "id" or "installationId" as a hex
// string (with or without 0x prefix). Returns false when no usable id
// is present.
func (d InstallationDescriptor) IDBytes() ([]byte, bool) {
	if value, ok := d["bytes"]; ok {
		switch raw := value.(type) {
		case []byte:
			if len(raw) > 0 {
				return raw, true
			}
		case []any:
			decoded := make([]byte, 0, len(raw))
			for _, element := range raw {
				switch number := element.(type) {
				case float64:
					decoded = append(decoded, byte(number))
				case int64:
					decoded = append(decoded, byte(number))
				case uint64:
					decoded = append(decoded, byte(number))
				default:
					return nil, false
				}
			}
			if len(decoded) > 0 {
				return decoded, true
			}
		}
	}

	for _, field := range []string{"id", "installationId"} {
		text, ok := d[field].(string)
		if !ok || text == "" {
			continue
		}
		decoded, err := hex.DecodeString(strings.TrimPrefix(text, "0x"))
		if err != nil || len(decoded) == 0 {
			continue
		}
		return decoded, true
	}

	return nil, false
}

// ConversationInfo is the host-facing conversation shape.
type ConversationInfo struct {
	ID string `json:"id"`

	// PeerAddress is the lowercased peer address, or the conversation
	// id when no address could be resolved (the UI still gets a stable
	// handle).
	PeerAddress string `json:"peerAddress"`

	// LastMessage preview fields, omitted for empty conversations and
	// for last messages that are not displayable text.
	LastMessage       string `json:"lastMessage,omitempty"`
	LastMessageAt     int64  `json:"lastMessageAt,omitempty"`
	LastMessageSender string `json:"lastMessageSender,omitempty"`
}

// Message is the host-facing message shape, used both in loadMessages
// results and in streamed message events. SentAtNs travels as a
// decimal string: nanosecond timestamps exceed JavaScript's safe
// integer range.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderAddress  string `json:"senderAddress"`
	Content        string `json:"content"`
	SentAtNs       string `json:"sentAtNs"`
	Kind           string `json:"kind"`
}

// displayable reports whether a message surfaces to the host: user
// content typed as plain text or markdown. Membership changes,
// reactions, and receipts are filtered.
func displayable(record MessageRecord) bool {
	if record.Kind != KindApplication {
		return false
	}
	return record.ContentType == ContentTypeText || record.ContentType == ContentTypeMarkdown
}

// toWireMessage converts a backend record to the host-facing shape.
func toWireMessage(record MessageRecord) Message {
	return Message{
		ID:             record.ID,
		ConversationID: record.ConversationID,
		SenderAddress:  strings.ToLower(record.SenderAddress),
		Content:        record.Content,
		SentAtNs:       strconv.FormatInt(record.SentAtNs, 10),
		Kind:           string(record.Kind),
	}
}
