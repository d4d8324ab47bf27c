// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/techno-hippies/dotheaven-sub017/lib/clock"
	"github.com/techno-hippies/dotheaven-sub017/lib/testutil"
)

// captureEmitter records emitted sign-request events and forwards them
// on a channel so tests can react to them like a host would.
type captureEmitter struct {
	mu      sync.Mutex
	events  []signRequestEvent
	arrived chan signRequestEvent
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{arrived: make(chan signRequestEvent, 16)}
}

func (c *captureEmitter) WriteEvent(name string, data any) error {
	event, ok := data.(signRequestEvent)
	if !ok {
		return fmt.Errorf("unexpected event %q with data %T", name, data)
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.arrived <- event
	return nil
}

type failingEmitter struct{}

func (failingEmitter) WriteEvent(string, any) error {
	return errors.New("stdout gone")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRemote(t *testing.T, fakeClock *clock.FakeClock) (*Remote, *captureEmitter) {
	t.Helper()
	emitter := newCaptureEmitter()
	remote, err := New(Config{
		Emitter: emitter,
		Clock:   fakeClock,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return remote, emitter
}

func validSignature() []byte {
	return bytes.Repeat([]byte{0xab}, SignatureLength)
}

func TestSignTextResolved(t *testing.T) {
	remote, emitter := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	type outcome struct {
		signature []byte
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		signature, err := remote.SignText(context.Background(), "authorize installation")
		done <- outcome{signature, err}
	}()

	event := testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "sign-request event")
	if event.Message != "authorize installation" {
		t.Errorf("event message = %q, want the exact signing text", event.Message)
	}

	// Hosts commonly return 0x-prefixed hex; it must be tolerated.
	if err := remote.Resolve(event.RequestID, "0x"+hex.EncodeToString(validSignature())); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result := testutil.RequireReceive(t, done, 5*time.Second, "SignText return")
	if result.err != nil {
		t.Fatalf("SignText: %v", result.err)
	}
	if !bytes.Equal(result.signature, validSignature()) {
		t.Fatalf("signature = %x, want %x", result.signature, validSignature())
	}
	if got := remote.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after resolve", got)
	}
}

func TestSignTextTimeout(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	remote, emitter := newTestRemote(t, fakeClock)

	errs := make(chan error, 1)
	go func() {
		_, err := remote.SignText(context.Background(), "will never be signed")
		errs <- err
	}()

	event := testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "sign-request event")
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultTimeout)

	err := testutil.RequireReceive(t, errs, 5*time.Second, "SignText return")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SignText error = %v, want ErrTimeout", err)
	}
	if got := remote.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after timeout", got)
	}

	// A late resolve after the timeout is a no-op, not an error.
	if err := remote.Resolve(event.RequestID, hex.EncodeToString(validSignature())); err != nil {
		t.Fatalf("late Resolve: %v", err)
	}
}

func TestResolveUnknownRequestID(t *testing.T) {
	remote, _ := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	if err := remote.Resolve(999, hex.EncodeToString(validSignature())); err != nil {
		t.Fatalf("Resolve(unknown) = %v, want nil no-op", err)
	}
}

func TestResolveInvalidHexLeavesRequestPending(t *testing.T) {
	remote, emitter := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	type outcome struct {
		signature []byte
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		signature, err := remote.SignText(context.Background(), "text")
		done <- outcome{signature, err}
	}()
	event := testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "sign-request event")

	for _, bad := range []string{"zz", "0xabc"} {
		if err := remote.Resolve(event.RequestID, bad); err == nil {
			t.Fatalf("Resolve(%q) succeeded, want hex error", bad)
		}
	}
	if got := remote.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (garbage resolve must not consume the request)", got)
	}

	// A subsequent valid resolve still completes the operation.
	if err := remote.Resolve(event.RequestID, hex.EncodeToString(validSignature())); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	result := testutil.RequireReceive(t, done, 5*time.Second, "SignText return")
	if result.err != nil {
		t.Fatalf("SignText: %v", result.err)
	}
}

func TestResolveWrongLengthFailsOperation(t *testing.T) {
	remote, emitter := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	errs := make(chan error, 1)
	go func() {
		_, err := remote.SignText(context.Background(), "text")
		errs <- err
	}()
	event := testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "sign-request event")

	short := bytes.Repeat([]byte{0x01}, 8)
	if err := remote.Resolve(event.RequestID, hex.EncodeToString(short)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	err := testutil.RequireReceive(t, errs, 5*time.Second, "SignText return")
	if err == nil || !strings.Contains(err.Error(), "invalid signature length") {
		t.Fatalf("SignText error = %v, want invalid signature length", err)
	}
}

func TestFailAll(t *testing.T) {
	remote, emitter := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := remote.SignText(context.Background(), "text")
			errs <- err
		}()
	}
	testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "first sign-request")
	testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "second sign-request")

	cause := errors.New("worker disconnecting")
	remote.FailAll(cause)

	for i := 0; i < 2; i++ {
		err := testutil.RequireReceive(t, errs, 5*time.Second, "SignText return %d", i)
		if !errors.Is(err, cause) {
			t.Fatalf("SignText error = %v, want wrapped %v", err, cause)
		}
	}
	if got := remote.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after FailAll", got)
	}
}

func TestRequestIDsStrictlyIncrease(t *testing.T) {
	remote, emitter := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []uint64
	for i := 0; i < 3; i++ {
		go remote.SignText(ctx, "text") //nolint:errcheck
		event := testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "sign-request %d", i)
		ids = append(ids, event.RequestID)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("request ids not strictly increasing: %v", ids)
		}
	}
}

func TestSignTextContextCanceled(t *testing.T) {
	remote, emitter := newTestRemote(t, clock.Fake(time.Unix(0, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := remote.SignText(ctx, "text")
		errs <- err
	}()
	testutil.RequireReceive(t, emitter.arrived, 5*time.Second, "sign-request event")

	cancel()
	err := testutil.RequireReceive(t, errs, 5*time.Second, "SignText return")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SignText error = %v, want context.Canceled", err)
	}
	if got := remote.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after cancellation", got)
	}
}

func TestSignTextEmitFailure(t *testing.T) {
	remote, err := New(Config{Emitter: failingEmitter{}, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := remote.SignText(context.Background(), "text"); err == nil {
		t.Fatal("SignText succeeded with a dead emitter, want error")
	}
	if got := remote.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after emit failure", got)
	}
}

func TestNewRequiresEmitter(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without emitter succeeded, want error")
	}
}
