// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need unique identifiers for addresses, conversation
// peers, or message bodies that must be distinguishable in a shared
// network hub.
//
//	addr := testutil.UniqueID("0xalice") // "0xalice-1", "0xalice-2", ...
//	body := testutil.UniqueID("hello")   // "hello-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
