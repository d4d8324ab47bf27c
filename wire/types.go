// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "encoding/json"

// Request is one host→worker frame: a single line of JSON naming a
// method to invoke.
type Request struct {
	// ID is the host-assigned request identifier. It is opaque to the
	// worker: hosts are known to send both JSON strings and JSON
	// numbers, so it is carried as raw JSON and echoed byte-for-byte
	// into the matching Response or ErrorResponse. Unique per
	// in-flight request; the host may reuse ids after completion.
	ID json.RawMessage `json:"id"`

	// Method is the operation to invoke. See the dispatch method
	// table for the full set.
	Method string `json:"method"`

	// Params is the method's parameter object, decoded by the
	// individual handler. Absent params are equivalent to {} for
	// methods whose parameters are all optional.
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a success frame answering one Request.
type Response struct {
	ID json.RawMessage `json:"id"`

	// Result is always present on success, {} for methods with no
	// return payload.
	Result any `json:"result"`
}

// ErrorResponse is a failure frame answering one Request.
type ErrorResponse struct {
	ID    json.RawMessage `json:"id"`
	Error ErrorBody       `json:"error"`
}

// ErrorBody carries the machine-readable code and human-readable
// message of a failed request.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Event is an unsolicited worker→host frame. Events carry no id and
// are never acknowledged.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorCode classifies request failures. Codes are stable wire
// contract; hosts switch on them.
type ErrorCode string

const (
	// CodeProtocolError marks malformed params for a known method.
	CodeProtocolError ErrorCode = "PROTOCOL_ERROR"

	// CodeMethodNotFound marks a request whose method has no handler.
	CodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"

	// CodeInternalError marks handler panics and errors with no more
	// specific classification.
	CodeInternalError ErrorCode = "INTERNAL_ERROR"

	// CodeSignTimeout marks an operation that waited the full signing
	// window without the host resolving the signature request.
	CodeSignTimeout ErrorCode = "SIGN_TIMEOUT"

	// CodeInstallationLimit marks an identity registration that failed
	// because the inbox is at its installation cap and automatic
	// recovery could not clear it.
	CodeInstallationLimit ErrorCode = "INSTALLATION_LIMIT"

	// CodeNotConnected marks requests that need a connected client
	// when there is none.
	CodeNotConnected ErrorCode = "NOT_CONNECTED"

	// CodeConversationNotFound marks requests naming a conversation
	// the worker does not know.
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
)

// Event names emitted by the worker.
const (
	// EventReady announces the worker is reading requests. Data:
	// {pid}.
	EventReady = "ready"

	// EventSignRequest asks the host to sign text with the identity's
	// key. Data: {requestId, message}.
	EventSignRequest = "sign-request"

	// EventMessage delivers one streamed inbound message. Data: the
	// chat message shape.
	EventMessage = "message"

	// EventConversation is reserved for future conversation-change
	// notifications. Nothing emits it yet; hosts must tolerate it.
	EventConversation = "conversation"

	// EventError reports a failure outside any request/response pair,
	// such as a broken stream subscription. Data: {conversationId?,
	// message}.
	EventError = "error"
)
