// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch reads newline-delimited JSON requests, routes them
// through the method table, and writes responses and events.
//
// Every request runs on its own goroutine. That concurrency is part
// of the protocol contract, not a throughput optimization: init blocks
// inside a signature round-trip with the host, and the signing.resolve
// request that completes the round-trip arrives on the same stdin
// stream. A dispatcher that handled requests in order would deadlock
// on the first registration.
//
// The dispatcher guarantees exactly one response frame per decodable
// request, including when the handler panics; lines that do not decode
// are logged and dropped because there is no id to answer. End of
// stream is the host hanging up: the disconnect hook tears down the
// session (failing any parked signature requests so their handlers
// unblock), in-flight handlers finish writing, and Run returns.
package dispatch
