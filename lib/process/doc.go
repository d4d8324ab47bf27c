// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. Fatal is the one
// legitimate raw-stderr write that exists before the structured logger
// is initialized; everything after logger setup uses slog, and stdout
// belongs exclusively to the wire protocol.
package process
