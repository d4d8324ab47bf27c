// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/techno-hippies/dotheaven-sub017/lib/clock"
	"github.com/techno-hippies/dotheaven-sub017/wire"
)

// SignatureLength is the exact byte length of a valid identity
// signature (65-byte recoverable ECDSA: r, s, recovery id).
const SignatureLength = 65

// DefaultTimeout is how long a signature request stays pending before
// the waiting operation fails.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned by SignText when the host does not resolve
// the signature request within the timeout window.
var ErrTimeout = errors.New("signing: timed out waiting for host signature")

// EventWriter is the slice of the wire writer the signer needs.
// Satisfied by *wire.Writer.
type EventWriter interface {
	WriteEvent(name string, data any) error
}

// Remote is the worker-side half of the inverted signing flow. The
// worker cannot sign identity payloads itself — the host owns the
// private key — so operations that need a signature emit a
// sign-request event, park on a pending table keyed by requestId, and
// complete when the host sends back a signing.resolve request.
//
// Remote is safe for concurrent use: network operations block in
// SignText on their own goroutines while the dispatcher delivers
// Resolve calls from others.
type Remote struct {
	emitter EventWriter
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	lastID  uint64
	pending map[uint64]chan signResult
}

type signResult struct {
	signature []byte
	err       error
}

// signRequestEvent is the data payload of a sign-request event.
type signRequestEvent struct {
	RequestID uint64 `json:"requestId"`
	Message   string `json:"message"`
}

// Config configures a Remote.
type Config struct {
	// Emitter writes sign-request events to the host. Required.
	Emitter EventWriter

	// Timeout bounds how long a request stays pending. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New returns a Remote ready for use.
func New(cfg Config) (*Remote, error) {
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("signing: Config.Emitter is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Remote{
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		pending: make(map[uint64]chan signResult),
	}, nil
}

// SignText asks the host to sign text and blocks until the host
// resolves the request, the timeout elapses, or ctx is canceled.
// Request ids are strictly increasing and never reused for the life
// of the process.
func (r *Remote) SignText(ctx context.Context, text string) ([]byte, error) {
	resultChannel := make(chan signResult, 1)

	r.mu.Lock()
	r.lastID++
	requestID := r.lastID
	r.pending[requestID] = resultChannel
	r.mu.Unlock()

	r.logger.Info("requesting signature from host", "request_id", requestID)
	if err := r.emitter.WriteEvent(wire.EventSignRequest, signRequestEvent{
		RequestID: requestID,
		Message:   text,
	}); err != nil {
		r.take(requestID)
		return nil, fmt.Errorf("emitting sign request %d: %w", requestID, err)
	}

	select {
	case result := <-resultChannel:
		return result.signature, result.err
	case <-r.clock.After(r.timeout):
		if _, ok := r.take(requestID); !ok {
			// A resolve won the race against the timer; its result is
			// already in the buffered channel (or arriving now).
			result := <-resultChannel
			return result.signature, result.err
		}
		r.logger.Warn("sign request timed out", "request_id", requestID, "timeout", r.timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		if _, ok := r.take(requestID); !ok {
			result := <-resultChannel
			return result.signature, result.err
		}
		return nil, fmt.Errorf("sign request %d: %w", requestID, ctx.Err())
	}
}

// Resolve completes a pending sign request with a hex-encoded
// signature, tolerating an optional 0x prefix.
//
// Resolving an unknown requestId (never issued, already resolved, or
// timed out) is a warn-level no-op: the host may legitimately race a
// late resolve against the timeout. Invalid hex is an error and
// leaves the request pending; a decodable signature of the wrong
// length fails the pending operation.
func (r *Remote) Resolve(requestID uint64, signature string) error {
	r.mu.Lock()
	_, known := r.pending[requestID]
	r.mu.Unlock()
	if !known {
		r.logger.Warn("resolve for unknown sign request", "request_id", requestID)
		return nil
	}

	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("sign request %d: invalid signature hex: %w", requestID, err)
	}

	resultChannel, ok := r.take(requestID)
	if !ok {
		// Timed out (or failed) between the lookup above and now.
		r.logger.Warn("resolve for unknown sign request", "request_id", requestID)
		return nil
	}

	if len(decoded) != SignatureLength {
		resultChannel <- signResult{err: fmt.Errorf(
			"invalid signature length: got %d, want %d", len(decoded), SignatureLength)}
		return nil
	}

	resultChannel <- signResult{signature: decoded}
	return nil
}

// FailAll rejects every pending sign request with err. Called on
// disconnect so no operation stays parked against a host that will
// never answer.
func (r *Remote) FailAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]chan signResult)
	r.mu.Unlock()

	for requestID, resultChannel := range pending {
		r.logger.Warn("failing pending sign request", "request_id", requestID, "reason", err)
		resultChannel <- signResult{err: fmt.Errorf("sign request %d: %w", requestID, err)}
	}
}

// PendingCount returns the number of sign requests currently parked.
func (r *Remote) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// take removes and returns the pending entry for requestID. The
// removal-under-lock discipline means whoever takes the entry owns
// the single delivery onto its buffered channel.
func (r *Remote) take(requestID uint64) (chan signResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resultChannel, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	return resultChannel, ok
}

// Signer returns a signer capability bound to one identity address.
// Network backends accept it wherever registration or revocation
// needs a signature.
func (r *Remote) Signer(address string) *IdentitySigner {
	return &IdentitySigner{remote: r, address: strings.ToLower(address)}
}

// IdentitySigner is a Remote bound to one identity address.
type IdentitySigner struct {
	remote  *Remote
	address string
}

// Address returns the lowercased identity address this signer signs
// for.
func (s *IdentitySigner) Address() string { return s.address }

// SignText runs the full sign-request round-trip through the host.
func (s *IdentitySigner) SignText(ctx context.Context, text string) ([]byte, error) {
	return s.remote.SignText(ctx, text)
}
