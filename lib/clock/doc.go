// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now, time.After, or time.Sleep directly. In production,
// Real() provides the standard library behavior. In tests, Fake()
// provides a deterministic clock that advances only when Advance is
// called.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Remote struct {
//	    clock clock.Clock
//	}
//
// and inject Real() from main or Fake(start) from tests. The fake's
// WaitForTimers method removes the race between a goroutine
// registering a timer and the test advancing the clock past it.
package clock
