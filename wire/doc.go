// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the NDJSON protocol spoken between the worker
// and its host process.
//
// Every message is a single line of JSON terminated by \n. The host
// writes Request frames to the worker's stdin; the worker writes
// Response, ErrorResponse, and Event frames to stdout. stdout carries
// protocol frames only — diagnostics go to stderr as structured logs,
// so a host can always parse stdout line by line.
//
// Request ids are host-assigned and opaque: the worker echoes them
// byte-for-byte. Exactly one Response or ErrorResponse is written per
// decodable Request. Events are unsolicited, carry no id, and may
// interleave between responses (never within a line; Writer holds a
// mutex across each frame).
package wire
