// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"context"
	"io"
	"sync"

	"github.com/techno-hippies/dotheaven-sub017/chat"
)

// stream implements chat.MessageStream over one hub subscription.
type stream struct {
	network *Network
	sub     *subscriber
	owner   *Client
	once    sync.Once
}

// Next blocks until a message arrives, the stream is closed, or the
// context ends. Messages already buffered when the stream closes are
// still delivered before io.EOF.
func (s *stream) Next(ctx context.Context) (chat.MessageRecord, error) {
	select {
	case record, ok := <-s.sub.ch:
		if !ok {
			return chat.MessageRecord{}, io.EOF
		}
		return record, nil
	case <-ctx.Done():
		return chat.MessageRecord{}, ctx.Err()
	}
}

// Close unsubscribes from the hub. Idempotent; a blocked Next returns
// io.EOF once the buffer drains.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.network.unsubscribe(s.sub)
		if s.owner != nil {
			s.owner.removeStream(s)
		}
	})
	return nil
}
