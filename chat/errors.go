// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"fmt"
)

// Error is a service error with a stable code. The dispatch layer maps
// codes onto the wire taxonomy; everything else matches with
// errors.Is against the exported sentinels:
//
//	if errors.Is(err, chat.ErrNotConnected) { ... }
type Error struct {
	// Code identifies the failure class.
	Code string
	// Message is the human-readable description.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chat: %s: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so detailed instances
// compare equal to the sentinels below under errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Service error codes.
const (
	ErrCodeNotConnected         = "NOT_CONNECTED"
	ErrCodeAlreadyConnected     = "ALREADY_CONNECTED"
	ErrCodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	ErrCodeInstallationLimit    = "INSTALLATION_LIMIT"
	ErrCodeNoLocalState         = "NO_LOCAL_STATE"
)

// Sentinels for errors.Is matching. Errors returned by the service
// carry more specific messages but compare equal to these by code.
var (
	// ErrNotConnected reports an operation that requires a connected
	// client.
	ErrNotConnected = &Error{Code: ErrCodeNotConnected, Message: "not connected"}

	// ErrAlreadyConnected reports an init or reset that conflicts with
	// the currently connected identity.
	ErrAlreadyConnected = &Error{Code: ErrCodeAlreadyConnected, Message: "already connected"}

	// ErrConversationNotFound reports an unknown conversation id.
	ErrConversationNotFound = &Error{Code: ErrCodeConversationNotFound, Message: "conversation not found"}

	// ErrInstallationLimit reports that registration hit the
	// installation cap and automatic recovery did not clear it.
	ErrInstallationLimit = &Error{Code: ErrCodeInstallationLimit, Message: "installation limit reached"}

	// ErrNoLocalState reports that Build found no usable registered
	// state for the identity. Connectors return it to route init onto
	// the create path.
	ErrNoLocalState = &Error{Code: ErrCodeNoLocalState, Message: "no usable local state"}
)

// newError builds a coded error with a formatted message.
func newError(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsError checks whether err is (or wraps) a *Error with the given
// code.
func IsError(err error, code string) bool {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code == code
	}
	return false
}
